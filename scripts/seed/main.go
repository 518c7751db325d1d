// Script seed registers sample repositories and writes JSON-lines exports
// for every stream so a local scheduler and worker have something to sync.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/leejennwah/scm-sync/internal/clock"
	"github.com/leejennwah/scm-sync/internal/scm"
	"github.com/leejennwah/scm-sync/internal/source/jsonl"
	"github.com/leejennwah/scm-sync/internal/storage"
)

func main() {
	dsn := getEnv("SCM_DATABASE_URL", "sqlite://scm-sync.db")
	dir := getEnv("SCM_SOURCE_JSONL_DIR", "exports")
	repoCount := getEnvInt("SEED_REPOS", 4)
	items := getEnvInt("SEED_ITEMS", 50)

	ctx := context.Background()
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	store, err := storage.Open(ctx, dsn, clock.Real{}, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	exports := jsonl.New(dir)
	start := time.Now().UTC().Add(-time.Duration(items) * time.Hour).Truncate(time.Second)
	streams := 0

	for i := 0; i < repoCount; i++ {
		svn, err := scm.NewRepository(scm.RepoTypeSVN, fmt.Sprintf("svn://svn.example.com/proj%d", i), fmt.Sprintf("proj%d", i), "")
		if err != nil {
			log.Fatalf("svn repo: %v", err)
		}
		git, err := scm.NewRepository(scm.RepoTypeGit,
			fmt.Sprintf("https://git.example.com/team%d/app%d.git", i%2, i), fmt.Sprintf("team%d/app%d", i%2, i), "main")
		if err != nil {
			log.Fatalf("git repo: %v", err)
		}

		for _, want := range []*scm.Repository{svn, git} {
			r, err := store.EnsureRepository(ctx, want)
			if err != nil {
				log.Fatalf("register %s: %v", want.ID, err)
			}
			for _, jt := range scm.JobTypesFor(r.Type) {
				path := exports.Path(r.ID, jt)
				if err := writeExport(path, lines(jt, items, start)); err != nil {
					log.Fatalf("write %s: %v", path, err)
				}
				streams++
			}
			fmt.Printf("registered %s\n", r.ID)
		}
	}

	fmt.Printf("\nseed complete: %d repositories, %d streams, %d items each under %s\n", repoCount*2, streams, items, dir)
}

func lines(jt scm.JobType, n int, start time.Time) []jsonl.Line {
	out := make([]jsonl.Line, 0, n)
	for i := 1; i <= n; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		l := jsonl.Line{TS: &ts}
		switch jt {
		case scm.JobTypeSVNRevisions:
			rev := int64(i)
			l = jsonl.Line{Rev: &rev, ChangedPaths: i % 7}
		case scm.JobTypeCommits:
			l.ID = fmt.Sprintf("%040x", i)
			l.Additions, l.Deletions = i*3, i
		case scm.JobTypeMRs:
			l.ID = strconv.Itoa(i)
		case scm.JobTypeReviews:
			l.ID = fmt.Sprintf("note-%d", i)
			l.MRIID = int64((i-1)%10 + 1)
		}
		l.Payload, _ = json.Marshal(map[string]any{"seed": true, "index": i})
		out = append(out, l)
	}
	return out
}

func writeExport(path string, items []jsonl.Line) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
