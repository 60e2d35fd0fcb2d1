// Package main provides a demo program for the distributed trainer: it
// shards a synthetic dataset across simulated host devices and aggregates a
// per-epoch shard mean, exercising the whole spawn/shard/prefetch/collect
// pipeline without accelerator hardware.
package main
