package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultBaselineArgs is the encoder argument string applied to every job
// unless overridden; per-entry args are appended to it.
const DefaultBaselineArgs = "-f av_mkv -e x265_10bit --encoder-preset medium -q 20 " +
	"--audio-lang-list eng --first-audio -E copy " +
	"--subtitle-lang-list eng --first-subtitle --crop 0:0:0:0"

// Config holds the coordinator's tunable settings, persisted inside the
// state document.
type Config struct {
	BaselineArgs           string               `json:"baselineArgs"`
	FFProbePath            string               `json:"ffprobePath"`
	TargetMbPerMinByHeight map[string]float64   `json:"targetMbPerMinByHeight"`
	TargetSamplesByHeight  map[string][]float64 `json:"targetSamplesByHeight"`
	AudioLangList          []string             `json:"audioLangList"`
	SubtitleLangList       []string             `json:"subtitleLangList"`

	Extra map[string]json.RawMessage `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		BaselineArgs:           DefaultBaselineArgs,
		FFProbePath:            "",
		TargetMbPerMinByHeight: DefaultTargetMbPerMinByHeight(),
		TargetSamplesByHeight:  map[string][]float64{},
		AudioLangList:          []string{"eng"},
		SubtitleLangList:       []string{"eng"},
	}
}

func DefaultTargetMbPerMinByHeight() map[string]float64 {
	return map[string]float64{
		"480":  6,
		"720":  10,
		"1080": 16,
		"2160": 32,
	}
}

// EnsureDefaults back-fills settings a loaded document is missing, leaving
// everything present untouched.
func (c *Config) EnsureDefaults() {
	if c.BaselineArgs == "" {
		c.BaselineArgs = DefaultBaselineArgs
	}
	if c.TargetMbPerMinByHeight == nil {
		c.TargetMbPerMinByHeight = DefaultTargetMbPerMinByHeight()
	}
	if c.TargetSamplesByHeight == nil {
		c.TargetSamplesByHeight = map[string][]float64{}
	}
	if c.AudioLangList == nil {
		c.AudioLangList = []string{"eng"}
	}
	if c.SubtitleLangList == nil {
		c.SubtitleLangList = []string{"eng"}
	}
}

// ValidateEncoderArgs rejects argument fragments that would collide with
// the input/output flags the worker composes itself.
func ValidateEncoderArgs(args string) error {
	for _, tok := range strings.Fields(args) {
		switch tok {
		case "-i", "--input", "-o", "--output":
			return fmt.Errorf("%w: argument %q is reserved", ErrValidation, tok)
		}
	}
	return nil
}

func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtras(data, a)
	if err != nil {
		return err
	}
	*c = Config(a)
	c.Extra = extra
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return mergeExtras(alias(c), c.Extra)
}
