// Package bootstrap converges the core server onto the mandatory app
// baseline after first start, retrying until the core agent connects
// and every install succeeds.
package bootstrap
