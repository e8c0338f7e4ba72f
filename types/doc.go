// Package types holds the domain model shared across every orchestration
// component: messages, model identifiers, classified errors, and the
// pattern/stage/request/result shapes the Orchestrator drives. It imports
// nothing internal, so every other package can depend on it without risking
// a cycle.
package types
