// Package statestore persists split-flow run state and per-ecosystem artifacts
// keyed by correlation id.
//
// Object layout within the bucket:
//
//	{cid}/run_state.json
//	{cid}/{language}_{registry}_top_level_packages.json
//	{cid}/{language}_{registry}_package_weight_map.json
//
// S3Bridge stores objects in S3 (or any S3-compatible endpoint such as MinIO);
// MemoryBridge keeps them in process.
package statestore
