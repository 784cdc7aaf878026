package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/daedra/cache"
	"github.com/MegaGrindStone/daedra/mcp"
	"github.com/MegaGrindStone/daedra/servers/research"
)

const checkQuery = "duckduckgo"

func searchCommand(a *app) *cobra.Command {
	var opts research.SearchOptions
	var numResults int

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search DuckDuckGo and print the results as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("num-results") {
				opts.NumResults = &numResults
			}
			req, err := research.SearchArgs{Query: args[0], Options: &opts}.Request()
			if err != nil {
				return err
			}

			results, err := a.newDuckDuckGo().Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, research.NewSearchResponse(req, results, time.Now()))
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&numResults, "num-results", "n", research.DefaultNumResults, "Number of results (1-50)")
	flags.StringVarP(&opts.Region, "region", "r", research.DefaultRegion, "Region code such as us-en")
	flags.StringVarP(&opts.SafeSearch, "safe-search", "s", string(research.SafeSearchModerate), "Safe search level: OFF, MODERATE or STRICT")
	flags.StringVarP(&opts.TimeRange, "time-range", "t", "", "Only results from the last day, week, month or year")

	return cmd
}

func fetchCommand(a *app) *cobra.Command {
	var args research.VisitPageArgs

	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch a page and print its extracted content as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.URL = positional[0]
			req, err := args.Request()
			if err != nil {
				return err
			}

			page, err := a.newFetcher().Fetch(cmd.Context(), req)
			if err != nil {
				return err
			}
			if page.BotProtection {
				return fmt.Errorf("%s: %w", page.URL, research.ErrBotProtection)
			}
			return printJSON(cmd, page)
		},
	}

	cmd.Flags().StringVarP(&args.Selector, "selector", "s", "", "CSS selector of the element holding the content")
	cmd.Flags().BoolVar(&args.IncludeImages, "include-images", false, "Render images as Markdown images")

	return cmd
}

type serverInfo struct {
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	ProtocolVersion string     `json:"protocolVersion"`
	Tools           []mcp.Tool `json:"tools"`
}

func infoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the server name, version, protocol version and tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := cache.New(cache.WithDisabled(true))
			if err != nil {
				return err
			}
			defer c.Close()

			srv, err := a.newResearchServer(c)
			if err != nil {
				return err
			}
			tools, err := srv.ListTools(cmd.Context(), mcp.ListToolsParams{})
			if err != nil {
				return err
			}

			return printJSON(cmd, serverInfo{
				Name:            serverName,
				Version:         version,
				ProtocolVersion: mcp.ProtocolVersion,
				Tools:           tools.Tools,
			})
		},
	}
}

func checkCommand(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that a search against DuckDuckGo works",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := a.check(ctx); err != nil {
				return fmt.Errorf("check failed: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Time allowed for the check")

	return cmd
}

func (a *app) check(ctx context.Context) error {
	one := 1
	req, err := research.SearchArgs{
		Query:   checkQuery,
		Options: &research.SearchOptions{NumResults: &one},
	}.Request()
	if err != nil {
		return err
	}

	results, err := a.newDuckDuckGo().Search(ctx, req)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return errors.New("search returned no results")
	}
	a.logger.Info("check passed", "result", results[0].URL)
	return nil
}
