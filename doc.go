// Package fleet is the state-reconciliation and monitoring engine behind a
// virtualization management panel. It keeps a deduplicated cache of the
// virtual machines and containers visible across a set of independently
// configured hypervisor endpoints, detects HA clusters from live node-set
// equality, tracks endpoint availability with cooldown-based alerting, and
// executes operator-submitted bulk operations with strict single-flight
// ordering.
//
// The engine is driven by a cooperative scheduler: each concern runs as a
// periodic job on its own interval, and a job firing is never allowed to
// overlap the previous firing of the same job. Failures inside a job are
// logged and surfaced through persisted state and notifications only; they
// never escape to the scheduler or to other jobs.
//
// External collaborators are expressed as small interfaces: Hypervisor and
// Dialer for endpoint access, Store for persistence, Notifier for alert
// delivery, AddressReleaser for IP bookkeeping, and UserDirectory for alert
// recipients. The store subpackage provides a durable badger-backed Store;
// everything else is supplied by the hosting process.
package fleet
