package parser

import (
	"regexp"
	"strings"
	"time"
)

// Property names used by Midjourney images.
const (
	DescriptionKey  = "Description"
	CopyrightKey    = "Copyright"
	FilenameKey     = "filename"
	SoftwareKey     = "Software"
	AuthorKey       = "Author"
	CreationTimeKey = "Creation Time"
)

// CreationTimeLayout is the layout of the Creation Time property.
const CreationTimeLayout = "2006-01-02 15:04:05"

var (
	paramStartRe  = regexp.MustCompile(`\s+--`)
	aspectRatioRe = regexp.MustCompile(`--ar\s+(\d+:\d+)`)
	profileRe     = regexp.MustCompile(`--profile\s+(\w+)`)
	stylizeRe     = regexp.MustCompile(`--stylize\s+(\d+)`)
	versionRe     = regexp.MustCompile(`--v\s+([\d.]+)`)
	jobIDRe       = regexp.MustCompile(`Job ID:\s*([a-fA-F0-9-]+)`)

	weightRe         = regexp.MustCompile(`::[\s-]*[\d.]+\s*`)
	negativeWeightRe = regexp.MustCompile(`::\s*-`)

	mjFilenameRe     = regexp.MustCompile(`MJ_\w+`)
	seedRe           = regexp.MustCompile(`--seed \d+`)
	decimalVersionRe = regexp.MustCompile(`--v\s*\d+\.\d+`)
)

// parameterTags are substrings of a lowercased description that only show up
// in Midjourney prompts.
var parameterTags = []string{
	"--v", "--ar", "--stylize", "--quality", "--profile", "--chaos", "--stop",
	"--style", "--no", "--iw", "--niji", "--test", "--testp",
}

// Description holds the fields parsed out of a Midjourney description.
type Description struct {
	Prompt      string `json:"prompt,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Profile     string `json:"profile,omitempty"`
	Stylize     string `json:"stylize,omitempty"`
	Version     string `json:"version,omitempty"`
	JobID       string `json:"job_id,omitempty"`
}

// ParseDescription splits a description of the form
// "prompt --flag value ... Job ID: id" into its parts. Every field is
// optional and left empty when absent.
func ParseDescription(description string) Description {
	var d Description
	if prompt, ok := promptPrefix(description); ok {
		d.Prompt = prompt
	}
	d.AspectRatio = firstGroup(aspectRatioRe, description)
	d.Profile = firstGroup(profileRe, description)
	d.Stylize = firstGroup(stylizeRe, description)
	d.Version = firstGroup(versionRe, description)
	d.JobID = firstGroup(jobIDRe, description)
	return d
}

// CleanPrompts breaks a prompt into its individual concepts.
//
// Stable Diffusion prompts are comma separated. Midjourney prompts are split
// on "::weight" separators and concepts with a negative weight are dropped.
// A Midjourney description without any "--" parameter yields no prompts.
func CleanPrompts(description string, model SourceModel) []string {
	if model == StableDiffusion || model == EmProps {
		var prompts []string
		for _, part := range strings.Split(description, ",") {
			if part = strings.TrimSpace(part); part != "" {
				prompts = append(prompts, part)
			}
		}
		return prompts
	}

	full, ok := promptPrefix(description)
	if !ok {
		return nil
	}

	parts := splitKeep(weightRe, full)
	var prompts []string
	for i := 0; i+1 < len(parts); i += 2 {
		prompt := strings.TrimSpace(parts[i])
		if prompt != "" && !negativeWeightRe.MatchString(parts[i+1]) {
			prompts = append(prompts, prompt)
		}
	}
	if len(parts)%2 == 1 {
		if last := strings.TrimSpace(parts[len(parts)-1]); last != "" {
			prompts = append(prompts, last)
		}
	}
	return prompts
}

// MidjourneyParser extracts metadata from Midjourney images, which carry the
// full prompt and its parameters in the Description property.
type MidjourneyParser struct {
	// Now supplies the default creation date. Nil means time.Now.
	Now func() time.Time
}

func (p *MidjourneyParser) Model() SourceModel { return Midjourney }

// IsCompatible reports whether any single Midjourney indicator is present.
// The check is deliberately loose; the registry consults it last.
func (p *MidjourneyParser) IsCompatible(props Properties) bool {
	description := strings.ToLower(props[DescriptionKey])

	if strings.HasPrefix(description, "imagine") {
		return true
	}
	if strings.Contains(strings.ToLower(props[CopyrightKey]), "midjourney.com") {
		return true
	}
	if mjFilenameRe.MatchString(props[FilenameKey]) {
		return true
	}
	if strings.Contains(strings.ToLower(props[SoftwareKey]), "mdjrny") {
		return true
	}
	for _, v := range props {
		if strings.Contains(strings.ToLower(v), "midjourney") {
			return true
		}
	}
	for _, tag := range parameterTags {
		if strings.Contains(description, tag) {
			return true
		}
	}
	if seedRe.MatchString(description) || decimalVersionRe.MatchString(description) {
		return true
	}
	return strings.Contains(description, "job id:")
}

func (p *MidjourneyParser) Extract(props Properties, _ Dimensions) (*Record, bool) {
	rec := NewRecord(now(p.Now))

	if description := props[DescriptionKey]; description != "" {
		d := ParseDescription(description)
		rec.Prompt = d.Prompt
		rec.Version = d.Version
		rec.Profile = d.Profile
		rec.JobID = d.JobID
	}

	if v, ok := props[CreationTimeKey]; ok {
		if t, err := time.ParseInLocation(CreationTimeLayout, strings.TrimSpace(v), time.Local); err == nil {
			rec.CreatedDate = t
		}
	}

	rec.Author = props[AuthorKey]
	return rec, true
}

// promptPrefix returns the text before the first whitespace-led "--" token.
// The prefix may span several lines.
func promptPrefix(s string) (string, bool) {
	loc := paramStartRe.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	return strings.TrimSpace(s[:loc[0]]), true
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// splitKeep splits s around matches of re and keeps each separator, so the
// result alternates text, separator, text, ... and always has odd length.
func splitKeep(re *regexp.Regexp, s string) []string {
	locs := re.FindAllStringIndex(s, -1)
	parts := make([]string, 0, 2*len(locs)+1)
	prev := 0
	for _, loc := range locs {
		parts = append(parts, s[prev:loc[0]], s[loc[0]:loc[1]])
		prev = loc[1]
	}
	return append(parts, s[prev:])
}
