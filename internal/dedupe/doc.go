// Package dedupe suppresses replayed frames. The bridge's HTTP forwarder and
// gateway reconnects can both deliver the same (runId, seq, stream) twice;
// the relay marks each key on first sight and drops repeats within the TTL.
package dedupe
