// Package scheduler decides when each outgoing network request may start.
//
// Requests are grouped by Client, one per tab. A Client keeps a priority
// ordered queue of pending requests and a set of requests in flight, and
// admits pending work according to its ThrottleState and a fixed set of
// per-client and per-host caps. Visible or audible tabs that are still
// loading hold background tabs to a single request in flight; loaded
// background tabs may be coalesced so that they only issue delayable work
// when a shared periodic timer fires.
//
// A Scheduler is driven from a single goroutine. Callers outside that
// goroutine should hop onto it first (see package loop).
package scheduler
