/*
Package envsync keeps runner-local engine images in step with environment
archives on shared storage.

Archives follow the naming convention <name>.<unix-ts>.<ext>; the highest
timestamp for a name is canonical and older files are ignored. Sync loads
the requested snapshot into the engine exactly once, serializing concurrent
requests for the same environment behind a per-name lock and remembering
which timestamp is already loaded.
*/
package envsync
