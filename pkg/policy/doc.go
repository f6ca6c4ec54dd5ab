// Package policy derives the policy outcome annotations shown on classified
// gateway calls.
//
// Decisions are evaluated by an embedded Open Policy Agent engine running the
// bundled Rego module (or an operator supplied replacement), with a Go
// implementation of the same rules used when no engine is configured or an
// evaluation fails. The package has no knowledge of protocols; classifiers
// describe the call through Input and receive a list of annotations back.
package policy
