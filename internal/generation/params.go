package generation

import "math/rand/v2"

// MaxSeed is the exclusive upper bound of the backend's accepted seed
// range.
const MaxSeed = int64(1) << 31

// resolveParams merges defaults under the caller-supplied bag. Caller
// values always win; unrecognized keys pass through untouched. A
// missing or empty prompt is filled from the default prompt, and a
// missing seed is drawn at random so omitted seeds are not
// deterministic across calls.
func (c *Client) resolveParams(caller map[string]any) map[string]any {
	merged := map[string]any{
		"prompt":          c.cfg.DefaultPrompt,
		"negative_prompt": c.cfg.NegativePrompt,
		"width":           c.cfg.Width,
		"height":          c.cfg.Height,
		"steps":           c.cfg.Steps,
		"cfg_scale":       c.cfg.CfgScale,
	}
	if c.cfg.Model != "" {
		merged["model"] = c.cfg.Model
	}

	for k, v := range caller {
		if k == "prompt" {
			if s, ok := v.(string); !ok || s == "" {
				continue
			}
		}
		merged[k] = v
	}

	// Explicit seeds are never overwritten, not even seed 0.
	if _, ok := merged["seed"]; !ok {
		merged["seed"] = c.seed()
	}
	return merged
}

// randomSeed draws a non-negative seed in [0, MaxSeed).
func randomSeed() int64 {
	return rand.Int64N(MaxSeed)
}
