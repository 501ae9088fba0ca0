// Package deployer drives the deployment lifecycle: install, configure,
// start, stop, restart and uninstall. Installs run as a compensated
// step chain so a mid-flight failure leaves no partial state behind;
// all operations serialize per server or per deployment through keyed
// mutexes.
package deployer
