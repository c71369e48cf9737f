// Package agent manages the bounded pool of automation agents and the
// execution of single actions against their isolated browser sessions.
//
// An Agent owns one session and executes at most one step at a time; its
// lifecycle follows provisioning -> idle <-> busy, with a recovery detour
// when a failure may have corrupted the session and termination as the
// absorbing state. The Pool enforces the concurrency bound, pre-warms
// MinIdle agents, retries provisioning with backoff under a rate limit,
// and replaces terminated agents. The Executor bounds every action with a
// timeout and appends an audit event for every attempt.
package agent
