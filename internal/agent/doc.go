// Package agent sequences one query through the interpret, dispatch and
// summarize phases. An Orchestrator is built per request from the caller's
// backend choice and credentials and is discarded once it has produced an
// Outcome.
package agent
