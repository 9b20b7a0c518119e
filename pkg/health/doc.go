// Package health runs exec-style probes for the node supervisor. Symphony
// workloads are plain host processes, so their health commands are host
// commands too: one bounded run per period, exit 0 means healthy.
package health
