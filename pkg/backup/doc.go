/*
Package backup executes backup plans and restores from their artifacts.

A plan names an ordered list of components (database, redis,
configurations, logs, documents), each served by a ComponentAdapter. The
engine runs the adapters into a timestamped directory under
base/<type>/, writes a manifest, then seals the directory: tar+gzip when
compression is on, AES-256-GCM with a PBKDF2-derived key when encryption
is on. The checksum of the final artifact goes into the registered
metadata, which is what Verify checks later; a failed critical component
or a cancellation removes the partial directory and records a FAILED
execution.

Restore is the inverse walk, guided by the manifest: verify, decrypt,
extract, hand each component directory back to its adapter. It refuses
outright when integrity verification fails, so a corrupted archive can
never half-restore a site. Prune removes metadata and artifacts past the
retention window.

Only one execution per plan ID runs at a time; a concurrent attempt
returns a conflict.
*/
package backup
