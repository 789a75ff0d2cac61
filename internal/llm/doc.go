// Package llm defines the provider-agnostic contract between the agent and a
// language model backend. Adapters live in sub-packages and translate the
// shared conversation and tool-call shapes into each vendor's framing.
package llm
