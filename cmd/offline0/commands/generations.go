package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"offline0/internal/cachestore"
	"offline0/internal/config"
)

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List cache generations in the storage directory",
	Long: `List every cache generation with its entry count and body size.
The server must be stopped: leveldb allows a single process per directory.`,
	RunE: runGenerations,
}

func runGenerations(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := cachestore.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.Keys()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		c := s.Cache(name)
		keys, err := c.Keys()
		if err != nil {
			return fmt.Errorf("list %s: %w", name, err)
		}
		var size int
		for _, k := range keys {
			ent, ok, err := c.Match(k, cachestore.MatchOptions{})
			if err != nil {
				return fmt.Errorf("read %s %s: %w", name, k, err)
			}
			if ok {
				size += ent.Size()
			}
		}
		rows = append(rows, []string{name, strconv.Itoa(len(keys)), strconv.Itoa(size)})
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no cache generations")
		return nil
	}
	printTable(cmd.OutOrStdout(), []string{"Generation", "Entries", "Bytes"}, rows)
	return nil
}
