package config

// Normalize accepts a raw settings map in either the legacy flat shape
// or the nested v2 shape and projects it into the nested shape that
// Load unmarshals into Config. It returns the normalized map plus any
// non-fatal warnings about legacy keys it translated.
//
// Legacy flat keys (top-level, no "event_loop"/"cli" groups):
//
//	agent, max_iterations, max_runtime, max_consecutive_failures,
//	completion_marker, prompt, prompt_file, scratchpad_path, specs_path
//
// These map onto cli.backend / event_loop.* / core.* in the nested
// shape. A file is treated as v2-nested the moment it has a top-level
// "event_loop" or "cli" key; otherwise every recognized flat key is
// lifted into its nested home.
func Normalize(raw map[string]interface{}) (map[string]interface{}, []string) {
	if isNested(raw) {
		return raw, nil
	}

	var warnings []string
	out := map[string]interface{}{}

	cli := map[string]interface{}{}
	eventLoop := map[string]interface{}{}
	core := map[string]interface{}{}

	take := func(key string) (interface{}, bool) {
		v, ok := raw[key]
		return v, ok
	}

	if v, ok := take("agent"); ok {
		cli["backend"] = v
		warnings = append(warnings, `legacy key "agent" renamed to cli.backend`)
	}
	if v, ok := take("mode"); ok {
		cli["mode"] = v
	}
	if v, ok := take("timeout"); ok {
		cli["timeout"] = v
	}

	if v, ok := take("max_iterations"); ok {
		eventLoop["max_iterations"] = v
		warnings = append(warnings, `legacy key "max_iterations" renamed to event_loop.max_iterations`)
	}
	if v, ok := take("max_runtime"); ok {
		eventLoop["max_runtime"] = v
	}
	if v, ok := take("max_cost"); ok {
		eventLoop["max_cost"] = v
	}
	if v, ok := take("max_consecutive_failures"); ok {
		eventLoop["max_consecutive_failures"] = v
	}
	if v, ok := take("completion_marker"); ok {
		eventLoop["completion_marker"] = v
	}
	if v, ok := take("prompt"); ok {
		eventLoop["prompt"] = v
	}
	if v, ok := take("prompt_file"); ok {
		eventLoop["prompt_file"] = v
	}
	if v, ok := take("starting_event"); ok {
		eventLoop["starting_event"] = v
	}
	if v, ok := take("checkpoint_interval"); ok {
		eventLoop["checkpoint_interval"] = v
	}

	if v, ok := take("scratchpad_path"); ok {
		core["scratchpad_path"] = v
	}
	if v, ok := take("specs_path"); ok {
		core["specs_path"] = v
	}
	if v, ok := take("guardrails"); ok {
		core["guardrails"] = v
	}

	// Keys already shaped correctly (hats, events, adapters, tui) pass
	// through untouched.
	for _, key := range []string{"hats", "events", "adapters", "tui"} {
		if v, ok := take(key); ok {
			out[key] = v
		}
	}

	out["cli"] = cli
	out["event_loop"] = eventLoop
	out["core"] = core
	return out, warnings
}

func isNested(raw map[string]interface{}) bool {
	_, hasEventLoop := raw["event_loop"]
	_, hasCLI := raw["cli"]
	return hasEventLoop || hasCLI
}
