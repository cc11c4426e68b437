// Command bktools-altpro-list prints the decoded AltPro partition table of
// a disk image, for discovering the --offset/--size pair to pass to
// bktools-mount.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diaevd/bktools/internal/altpro"
)

func main() {
	root := &cobra.Command{
		Use:   "bktools-altpro-list IMAGE_PATH",
		Short: "print the decoded AltPro partition table of a disk image",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	table, err := altpro.Open(f, 0)
	if err != nil {
		return fmt.Errorf("decode altpro table: %w", err)
	}

	fmt.Printf("cylinders=%d drv=%d heads=%d sectors=%d uni=%d partitions=%d\n",
		table.Cylinders, table.Drv, table.Heads, table.Sectors, table.Uni, table.NumEntries)

	for _, p := range table.Partitions(0) {
		e := p.Entry()
		fmt.Printf("%-8s lba=%-8d blocks=%-6d cyl=%-5d head=%-2d end_cyl=%-5d end_head=%-2d end_sector=%-3d protected=%v\n",
			p.Name(), e.LBA, e.Blocks, e.Cyl, e.Head, e.EndCyl, e.EndHead, e.EndSector, e.Protected)
	}

	return nil
}
