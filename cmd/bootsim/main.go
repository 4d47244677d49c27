// Command bootsim boots the kernel memory subsystem and the multi-core boot
// sequence inside a host process. Physical memory is simulated with an
// anonymous mapping and every application processor runs on its own
// goroutine.
package main

func main() {
	execute()
}
