// Package protocol implements privacy preserving averaging of numeric vectors
// between participants that only talk to a shared coordinator.
//
// # Protocols
//
// Three interchangeable protocols share one coordinator:
//
//  1. SAFE: participants of a group form a ring ordered by registration
//     index. The initiator blinds its value with a random vector and posts it,
//     encrypted for its successor, to the coordinator's mailbox. Each relay
//     decrypts the running sum, adds its own value and forwards it. When the
//     sum returns, the initiator removes the blinding, divides by the number
//     of contributions and publishes the group average. Averages of all
//     groups are combined weighted by their contributor counts.
//
//  2. BON: participants exchange public values over a small Diffie-Hellman
//     group and mask their weights with pairwise masks that cancel in the sum,
//     plus a private mask they reveal afterwards. When participants drop out,
//     survivors reveal the pairwise masks they share with the failed set and
//     the coordinator recovers the sum over survivors only.
//
//  3. INSEC: plaintext averaging, used as a baseline.
//
// # Coordinator
//
// Coordinator partitions state by namespace. Within a namespace each protocol
// holds a single mutex over every group. Waiting is done by bounded polling:
// a request evaluates its predicate under the lock, releases it and sleeps
// a short yield interval, and returns status empty once its budget expires.
//
// A SAFE progress monitor runs per namespace. Mailbox entries older than the
// progress timeout are dropped, their target is declared failed and the
// sender is told to repost to the following node.
//
// # Participants
//
// Aggregator selects the configured protocol and owns the restart loop:
// a SAFE round that times out is retried with the same value after asking
// the coordinator whether this participant should take over as initiator.
package protocol
