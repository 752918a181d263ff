package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/models"
)

var (
	torrentModelIDs     []int
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for cataloged models",
	Long: `Generates BitTorrent metainfo (.torrent) files for model directories
recorded in the catalog. Requires the downloaded files on disk and at least
one tracker announce URL.`,
	RunE: runTorrent,
}

func init() {
	torrentCmd.Flags().IntSliceVar(&torrentModelIDs, "model-id", nil, "Only generate torrents for these model IDs (default: all)")
	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", nil, "Tracker announce URL (repeatable, required)")
	torrentCmd.Flags().StringVar(&torrentOutputDir, "output-dir", "", "Directory for .torrent files (default: inside each model directory)")
	torrentCmd.Flags().BoolVar(&overwriteTorrents, "overwrite", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet", false, "Also print magnet links")
	torrentCmd.Flags().Int("concurrency", 4, "Number of concurrent torrent builders")

	rootCmd.AddCommand(torrentCmd)
}

func runTorrent(cmd *cobra.Command, args []string) error {
	if len(announceURLs) == 0 {
		return errors.New("at least one --announce URL is required")
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = 4
	}

	cat, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	wanted := make(map[int]struct{}, len(torrentModelIDs))
	for _, id := range torrentModelIDs {
		wanted[id] = struct{}{}
	}

	var targets []models.ModelRecord
	for _, record := range cat.List() {
		if record.LocalPath == "" {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[record.ID]; !ok {
				continue
			}
		}
		targets = append(targets, record)
	}

	if len(targets) == 0 {
		return errors.New("no cataloged models with local files matched")
	}
	log.Infof("Generating torrents for %d model(s) with concurrency %d", len(targets), concurrency)

	jobs := make(chan models.ModelRecord)
	var wg sync.WaitGroup
	var successes, failures atomic.Int64

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range jobs {
				if err := generateTorrentFile(record); err != nil {
					log.WithError(err).Errorf("Failed to generate torrent for model %d (%s)", record.ID, record.Name)
					failures.Add(1)
				} else {
					successes.Add(1)
				}
			}
		}()
	}

	for _, record := range targets {
		jobs <- record
	}
	close(jobs)
	wg.Wait()

	log.Infof("Torrent generation finished: %d succeeded, %d failed", successes.Load(), failures.Load())
	if failures.Load() > 0 {
		return fmt.Errorf("%d torrent(s) failed to generate", failures.Load())
	}
	return nil
}

// generateTorrentFile builds a .torrent for one model directory.
func generateTorrentFile(record models.ModelRecord) error {
	stat, err := os.Stat(record.LocalPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("model directory does not exist: %s", record.LocalPath)
	} else if err != nil {
		return fmt.Errorf("error stating model directory %s: %w", record.LocalPath, err)
	} else if !stat.IsDir() {
		return fmt.Errorf("model path is not a directory: %s", record.LocalPath)
	}

	torrentFileName := fmt.Sprintf("%s.torrent", helpers.ConvertToSlug(record.Name))
	var outPath string
	if torrentOutputDir != "" {
		if err := os.MkdirAll(torrentOutputDir, 0755); err != nil {
			return fmt.Errorf("error creating output directory %s: %w", torrentOutputDir, err)
		}
		outPath = filepath.Join(torrentOutputDir, torrentFileName)
	} else {
		outPath = filepath.Join(record.LocalPath, torrentFileName)
	}

	if !overwriteTorrents {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return nil
		}
	}

	mi := metainfo.MetaInfo{
		AnnounceList: make([][]string, len(announceURLs)),
	}
	for i, tracker := range announceURLs {
		mi.AnnounceList[i] = []string{tracker}
	}
	mi.Announce = announceURLs[0]
	mi.CreatedBy = "civitai-manager"

	const pieceLength = 512 * 1024
	info := metainfo.Info{PieceLength: pieceLength}

	if err := info.BuildFromFilePath(record.LocalPath); err != nil {
		return fmt.Errorf("error building torrent info from %s: %w", record.LocalPath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()

	if err := mi.Write(f); err != nil {
		return fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.Infof("Wrote %s", outPath)

	if generateMagnetLinks {
		infoHash := mi.HashInfoBytes()
		magnetParts := []string{
			fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash.HexString()),
			fmt.Sprintf("dn=%s", url.QueryEscape(filepath.Base(record.LocalPath))),
		}
		for _, tracker := range announceURLs {
			magnetParts = append(magnetParts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
		}
		fmt.Printf("%d\t%s\n", record.ID, strings.Join(magnetParts, "&"))
	}
	return nil
}
