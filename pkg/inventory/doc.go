// Package inventory probes the local machine's hardware: logical cores and
// memory via gopsutil, NUMA topology from sysfs, and GPU inventory and
// telemetry via nvidia-smi. Machines without NUMA domains or GPUs degrade
// to flat topology and an empty GPU list.
package inventory
