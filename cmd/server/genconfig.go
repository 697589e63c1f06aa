package main

import (
	"fmt"

	"matching/config"
)

type GenconfigCmd struct {
	Output    string `short:"o" long:"output" default:"config.toml" description:"File to write"`
	Overwrite bool   `short:"f" long:"force" description:"Replace an existing file"`
}

var genconfigCmd GenconfigCmd

func (cmd *GenconfigCmd) Execute(_ []string) error {
	if err := config.WriteDefault(cmd.Output, cmd.Overwrite); err != nil {
		return err
	}
	fmt.Printf("default configuration written to %s\n", cmd.Output)
	return nil
}
