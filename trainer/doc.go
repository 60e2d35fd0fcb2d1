// Package trainer orchestrates data-parallel training across the accelerator
// devices of one host. It spawns one worker process per device, shards the
// dataset across them, runs a user step function for a configured number of
// epochs and streams per-epoch results back over a process-shared queue,
// aggregated by element-wise mean.
package trainer
