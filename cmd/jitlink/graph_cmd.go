package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blacktop/macho-jitlink/internal/gotstubs"
	"github.com/blacktop/macho-jitlink/internal/relocparser"
)

var graphCmd = &cobra.Command{
	Use:   "graph <object.o>",
	Short: "Print the link graph before and after the GOT/stubs pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, ctx, err := buildGraph(args[0])
		if err != nil {
			return err
		}
		hooks := relocparser.Hooks{CustomSectionParser: ctx.CustomSectionParser, Log: ctx.Log()}
		if err := relocparser.Run(g, ctx.RelocationSections(), hooks); err != nil {
			return err
		}
		fmt.Println("-- before GOT/stubs --")
		printSummary(g)

		if err := gotstubs.Run(g, ctx.Log()); err != nil {
			return err
		}
		if err := bumpAllocate(g); err != nil {
			return err
		}
		fmt.Println("-- after GOT/stubs --")
		printSummary(g)
		return nil
	},
}
