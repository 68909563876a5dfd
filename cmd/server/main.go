package main

import "offline-sync-service/cmd/server/cmd"

func main() {
	cmd.Execute()
}
