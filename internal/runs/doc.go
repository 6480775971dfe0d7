// Package runs tracks in-flight agent runs and active delegations.
//
// A Run lives from its lifecycle start frame until the reducer deletes it,
// a grace period after it ends or is recovered by the watchdog. A bridge
// disconnect wipes the tracker wholesale since frames for open runs will
// never arrive on the new session.
package runs
