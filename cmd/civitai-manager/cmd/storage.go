package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Report disk usage of the model library",
	RunE:  runStorage,
}

func init() {
	rootCmd.AddCommand(storageCmd)
}

func runStorage(cmd *cobra.Command, args []string) error {
	root := globalConfig.SavePath
	if root == "" {
		return fmt.Errorf("SavePath must be set in the config file or via --save-path")
	}
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("save path %s does not exist: %w", root, err)
	}

	usage, err := disk.Usage(root)
	if err != nil {
		log.WithError(err).Warn("Could not read filesystem usage")
	} else {
		fmt.Printf("Filesystem: %s free of %s (%.1f%% used)\n\n",
			helpers.BytesToSize(usage.Free), helpers.BytesToSize(usage.Total), usage.UsedPercent)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading %s: %w", root, err)
	}

	type folderUsage struct {
		name  string
		size  uint64
		count int
	}
	var folders []folderUsage
	var total uint64

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		size, count := dirSize(filepath.Join(root, entry.Name()))
		folders = append(folders, folderUsage{name: entry.Name(), size: size, count: count})
		total += size
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].size > folders[j].size })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tSIZE\tFILES")
	for _, f := range folders {
		fmt.Fprintf(w, "%s\t%s\t%d\n", f.name, helpers.BytesToSize(f.size), f.count)
	}
	w.Flush()
	fmt.Printf("\nTotal library size: %s\n", helpers.BytesToSize(total))
	return nil
}

// dirSize walks dir and returns cumulative file size and count. Unreadable
// entries are skipped.
func dirSize(dir string) (uint64, int) {
	var size uint64
	var count int
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		size += uint64(info.Size())
		count++
		return nil
	})
	return size, count
}
