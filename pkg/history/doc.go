// Package history persists chat messages as JSONL, one file per chat.
//
// Files are append-only: AppendMessage writes a message record and
// UpdateMessage writes a patch record. Load folds patches onto their
// messages in file order; Repair rewrites a file as folded messages only,
// dropping unreadable lines.
package history
