// Package assetcache is the asset cache manager of the gateway. It owns three
// named buckets (content, temp staging, manifest record) and reconciles them
// against the resource manifest of one deployed version:
//
//   - Install stages the core resource set into the temp bucket with
//     cache-bypassing fetches, all or nothing.
//   - Activate merges the staged files into the content bucket, evicting every
//     entry whose fingerprint changed since the saved manifest, then records
//     the new manifest. Any failure wipes all three buckets so the next cycle
//     starts clean.
//   - Fetch serves manifest resources cache-first with lazy population, except
//     the entry document which is served online-first.
//   - HandleMessage implements the skipWaiting and downloadOffline commands.
//
// The manager never talks to the network or the host runtime directly; both
// are injected (Fetcher, Host) so the reconciliation can run against
// in-memory fakes.
package assetcache
