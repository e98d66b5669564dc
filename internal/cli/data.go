package cli

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/happyhackingspace/smcrf/internal/sequtil"
	"github.com/happyhackingspace/smcrf/internal/storage"
)

func (c *CLI) newDataCommand() *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Inspect and archive labeled data folders",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	var statsDataFolder string
	statsCmd := &cobra.Command{
		Use:     "stats",
		Short:   "Summarize the records and label runs of a data folder",
		Example: `  smcrf data stats --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataStats(statsDataFolder)
		},
	}
	statsCmd.Flags().StringVar(&statsDataFolder, "data-folder", "data", "Path to labeled data folder")

	var packDataFolder string
	packCmd := &cobra.Command{
		Use:     "pack <archive>",
		Short:   "Archive a data folder as .tar.gz",
		Args:    cobra.ExactArgs(1),
		Example: `  smcrf data pack data.tar.gz --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataPack(packDataFolder, args[0])
		},
	}
	packCmd.Flags().StringVar(&packDataFolder, "data-folder", "data", "Source folder")

	var unpackDataFolder string
	unpackCmd := &cobra.Command{
		Use:     "unpack <archive>",
		Short:   "Extract a .tar.gz data archive",
		Args:    cobra.ExactArgs(1),
		Example: `  smcrf data unpack data.tar.gz --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataUnpack(args[0], unpackDataFolder)
		},
	}
	unpackCmd.Flags().StringVar(&unpackDataFolder, "data-folder", "data", "Destination folder")

	dataCmd.AddCommand(statsCmd, packCmd, unpackCmd)
	return dataCmd
}

func dataStats(dataFolder string) error {
	store := storage.NewStorage(dataFolder)
	def, err := store.GetDefinition()
	if err != nil {
		return err
	}
	records, err := store.IterRecords(storage.DefaultIterOptions())
	if err != nil {
		return err
	}

	groups := make(map[string]bool)
	runs := make(map[string]int)
	positions := make(map[string]int)
	total, gc := 0, 0.0
	for _, rec := range records {
		groups[rec.Group] = true
		total += len(rec.Residues)
		gc += sequtil.GCContent(rec.Residues) * float64(len(rec.Residues))
		for i, l := range rec.Labels {
			positions[l]++
			if i == 0 || rec.Labels[i-1] != l {
				runs[l]++
			}
		}
	}

	fmt.Printf("Records: %d in %d groups, %d positions", len(records), len(groups), total)
	if total > 0 {
		fmt.Printf(", GC %.1f%%", gc/float64(total)*100)
	}
	fmt.Println()
	fmt.Printf("\n%12s  %9s  %6s  %8s\n", "state", "positions", "runs", "mean len")
	for _, s := range def.States {
		mean := 0.0
		if runs[s.Name] > 0 {
			mean = float64(positions[s.Name]) / float64(runs[s.Name])
		}
		fmt.Printf("%12s  %9d  %6d  %8.1f\n", s.Name, positions[s.Name], runs[s.Name], mean)
		delete(positions, s.Name)
	}
	if len(positions) > 0 {
		unknown := make([]string, 0, len(positions))
		for name := range positions {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		slog.Warn("Labels not declared in model.yaml", "labels", strings.Join(unknown, ","))
	}
	return nil
}

func dataPack(dataFolder, archive string) error {
	slog.Info("Creating archive", "source", dataFolder, "dest", archive)

	tf, err := os.Create(archive)
	if err != nil {
		return fmt.Errorf("create %s: %w", archive, err)
	}
	gw := gzip.NewWriter(tf)
	tw := tar.NewWriter(gw)

	count := 0
	err = filepath.Walk(dataFolder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dataFolder, path)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		count++
		return err
	})
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = gw.Close()
	}
	if cerr := tf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(archive)
		return fmt.Errorf("create archive: %w", err)
	}
	slog.Info("Archive created", "path", archive, "files", count)
	return nil
}

func dataUnpack(archive, dataFolder string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = gr.Close() }()

	root := filepath.Clean(dataFolder)
	tr := tar.NewReader(gr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, dataFolder)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			out, err := os.Create(target)
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("write file %s: %w", target, err)
			}
			_ = out.Close()
			count++
		}
	}
	slog.Info("Data extracted", "files", count, "folder", dataFolder)
	return nil
}
