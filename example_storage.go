package tpmlog

// Storage Backend Comparison
//
// Signed records are kept in one of two local stores. Both implement Store;
// the SQLite store also implements RangeStore and backs the collector.
//
// 1. POSIX File Storage (file_store.go) - DEFAULT
//    - Append-only binary record file plus a tail file
//    - Records and tail are fsynced on every append
//    - Best for: the logging host, where the FIFO reader is the only writer
//
// 2. SQLite Storage (sqlite_store.go) - COLLECTOR
//    - modernc.org/sqlite, WAL mode, pure Go
//    - Timestamp index for window queries
//    - Best for: the collector answering the verifier's $match queries
//
// Usage:
//
//   store, err := tpmlog.OpenFileStore("/var/lib/tpmlog/log")
//   if err != nil {
//       log.Fatal(err)
//   }
//   ingestor := tpmlog.NewIngestor(src, chain, store, publisher, tpmlog.IngestConfig{})
//
//   remote, err := tpmlog.OpenSQLiteStore("/var/lib/tpmlog/collector.db")
//   collector := tpmlog.NewCollector(remote, tpmlog.CollectorConfig{Collection: "logs"})
//
// File Format (POSIX storage):
//
//   records.dat, one entry per record:
//   ┌──────────────────────────────────────────────┐
//   │ [8 bytes] index (uint64 big-endian)          │
//   │ [8 bytes] timestamp (float64 bits)           │
//   │ [4 bytes] count (uint32 big-endian)          │
//   │ [1 byte]  flags (new chain, has CAN id)      │
//   │ [8 bytes] CAN id (int64 big-endian)          │
//   │ [4 bytes] message length (uint32 big-endian) │
//   │ [n bytes] message                            │
//   │ [1 byte]  PCR length                         │
//   │ [m bytes] PCR value after the extend         │
//   │ [2 bytes] signature length (uint16)          │
//   │ [k bytes] TPMT_SIGNATURE                     │
//   └──────────────────────────────────────────────┘
//
//   tail.dat holds the last index and PCR:
//   [8 bytes] index, [1 byte] PCR length, [m bytes] PCR
//
// On open the record file is scanned to find the last index; a log ending in
// a partial record is refused.
