package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/fleetctl/odc/pkg/stores"
)

// ExampleOpen demonstrates opening a store and recording a command.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	err = store.RecordCommand(ctx, &stores.Command{
		Command:    "Initialize",
		Status:     stores.CommandStatusOK,
		Message:    "Initialize done",
		ExecTimeMs: 1250,
	})
	if err != nil {
		log.Fatal(err)
	}

	cmds, err := store.ListCommands(ctx, stores.CommandFilter{})
	if err != nil {
		log.Fatal(err)
	}
	for _, c := range cmds {
		fmt.Printf("%s %s %q\n", c.Command, c.Status, c.Message)
	}
	// Output: Initialize ok "Initialize done"
}
