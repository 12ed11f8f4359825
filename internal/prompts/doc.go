// Package prompts contains all LLM prompt text used by MRAgent.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// User-facing configuration (agent name, custom instructions) lives in
// config.yaml; this package holds the instructions we send to models.
//
// Convention: each prompt category gets its own file (system.go,
// classify.go, agent.go) with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
// builder.go turns raw user input into the message the agent appends.
package prompts
