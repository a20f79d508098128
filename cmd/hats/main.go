// Command hats drives the orchestration loop described in spec.md:
// starting, resuming, and inspecting event-driven agent loops over a
// repository.
package main

func main() {
	Execute()
}
