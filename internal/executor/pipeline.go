package executor

import "encoding/json"

// DefaultTimeoutSecs bounds a step when the pipeline does not say
// otherwise.
const DefaultTimeoutSecs = 600

// Step is one shell command in a pipeline.
type Step struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Pipeline is the parsed execution plan for a build.
type Pipeline struct {
	Steps       []Step
	TimeoutSecs int
	// LocalPath, when set, points at a pre-synced checkout that is
	// updated in place instead of cloned per build.
	LocalPath string
}

// ParsePipeline interprets a project's stored pipeline configuration.
// The parse is deliberately forgiving: a missing or unreadable config
// yields the default single-step pipeline, a config without steps
// yields an empty plan (the build succeeds trivially), malformed step
// entries are dropped, and a bad timeout falls back to the default.
func ParsePipeline(config json.RawMessage) Pipeline {
	if len(config) == 0 {
		return defaultPipeline()
	}

	var raw struct {
		Steps       json.RawMessage `json:"steps"`
		TimeoutSecs json.RawMessage `json:"timeout_secs"`
		LocalPath   json.RawMessage `json:"local_path"`
	}
	if err := json.Unmarshal(config, &raw); err != nil {
		return defaultPipeline()
	}

	p := Pipeline{TimeoutSecs: DefaultTimeoutSecs}

	if len(raw.TimeoutSecs) > 0 {
		var n int
		if err := json.Unmarshal(raw.TimeoutSecs, &n); err == nil && n > 0 {
			p.TimeoutSecs = n
		}
	}
	if len(raw.LocalPath) > 0 {
		var lp string
		if err := json.Unmarshal(raw.LocalPath, &lp); err == nil {
			p.LocalPath = lp
		}
	}
	if len(raw.Steps) > 0 {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw.Steps, &entries); err == nil {
			for _, entry := range entries {
				var s Step
				if err := json.Unmarshal(entry, &s); err != nil {
					continue
				}
				if s.Name == "" || s.Command == "" {
					continue
				}
				p.Steps = append(p.Steps, s)
			}
		}
	}
	return p
}

func defaultPipeline() Pipeline {
	return Pipeline{
		Steps:       []Step{{Name: "check", Command: "echo 'No pipeline configured'"}},
		TimeoutSecs: DefaultTimeoutSecs,
	}
}
