package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/jobconfig"
	"github.com/3leaps/gorum/pkg/joblock"
	"github.com/3leaps/gorum/pkg/jobregistry"
	"github.com/3leaps/gorum/pkg/pipeline"
	"github.com/3leaps/gorum/pkg/verify"
)

var statusCmd = &cobra.Command{
	Use:   "status -o DIR",
	Short: "Show the state of a job",
	Long: `Show a job's saved settings, who holds its lock, the tasks it started and
how far each chunk got. Finishes with a preview of the completion check.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringP("output", "o", "", "Output directory of the job (required)")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

type lockStatus struct {
	Path string `json:"path"`
	Held bool   `json:"held"`
	Host string `json:"host,omitempty"`
	PID  int    `json:"pid,omitempty"`
	// Remote is set when the holder is on another host; Alive is then
	// unknown and reported false.
	Remote bool `json:"remote"`
	Alive  bool `json:"alive"`
}

type chunkStatus struct {
	Chunk       int    `json:"chunk"`
	Done        bool   `json:"done"`
	ErrorBytes  int64  `json:"error_bytes"`
	LatestTask  string `json:"latest_task,omitempty"`
	LatestState string `json:"latest_state,omitempty"`
}

type jobStatus struct {
	OutputDir string                   `json:"output_dir"`
	Settings  *jobconfig.Settings      `json:"settings"`
	Lock      lockStatus               `json:"lock"`
	Chunks    []chunkStatus            `json:"chunks"`
	Tasks     []jobregistry.TaskRecord `json:"tasks"`
	Complete  bool                     `json:"complete"`
	Problems  []string                 `json:"problems,omitempty"`
}

// outputDirFlag reads and resolves the required --output flag.
func outputDirFlag(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("output")
	if strings.TrimSpace(dir) == "" {
		return "", errwrap.NewUsageError("--output is required", "gorum "+cmd.Name()+" -o DIR")
	}
	return filepath.Abs(dir)
}

// loadSavedSettings loads a job's settings, failing when none were saved.
func loadSavedSettings(outputDir string) (*jobconfig.Settings, error) {
	s, err := jobconfig.Load(outputDir)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errwrap.New(errwrap.KindEnvironment, "no job settings in "+outputDir, os.ErrNotExist).
			WithHint("start the job with 'gorum align -o " + outputDir + " ...'")
	}
	return s, nil
}

func collectStatus(outputDir string) (*jobStatus, error) {
	s, err := loadSavedSettings(outputDir)
	if err != nil {
		return nil, err
	}
	st := &jobStatus{OutputDir: outputDir, Settings: s}

	lockPath := joblock.Path(outputDir)
	owner, held, err := joblock.Holder(lockPath)
	if err != nil {
		return nil, err
	}
	st.Lock = lockStatus{Path: lockPath, Held: held, Host: owner.Host, PID: owner.PID}
	if held {
		st.Lock.Remote = !owner.Local()
		st.Lock.Alive = owner.Local() && jobregistry.IsProcessAlive(owner.PID)
	}

	store := jobregistry.ForOutputDir(outputDir)
	tasks, err := store.List()
	if err != nil {
		return nil, err
	}
	st.Tasks = tasks

	layout := pipeline.Layout{OutputDir: outputDir}
	for n := 1; n <= s.ChunkCount(); n++ {
		c := chunkStatus{Chunk: n}
		if _, err := os.Stat(layout.ChunkDoneMarker(n)); err == nil {
			c.Done = true
		}
		if info, err := os.Stat(layout.ChunkErrorLog(n)); err == nil {
			c.ErrorBytes = info.Size()
		}
		for _, t := range tasks {
			if t.Kind == jobregistry.TaskKindChunk && t.Chunk == n {
				c.LatestTask, c.LatestState = t.TaskID, string(t.State)
				break
			}
		}
		st.Chunks = append(st.Chunks, c)
	}

	report := verify.Verifier{}.Verify(s)
	st.Complete = report.OK()
	for _, p := range report.Problems {
		st.Problems = append(st.Problems, p.String())
	}
	return st, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	outputDir, err := outputDirFlag(cmd)
	if err != nil {
		return err
	}

	st, err := collectStatus(outputDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(out, st)
	return nil
}

func printStatus(out io.Writer, st *jobStatus) {
	s := st.Settings
	_, _ = fmt.Fprintf(out, "name=%s\n", s.Name)
	_, _ = fmt.Fprintf(out, "output_dir=%s\n", st.OutputDir)
	_, _ = fmt.Fprintf(out, "platform=%s\n", s.Platform)
	_, _ = fmt.Fprintf(out, "chunks=%d\n", s.ChunkCount())
	if s.RAM > 0 {
		_, _ = fmt.Fprintf(out, "ram_per_chunk=%.1fG\n", s.RAM)
	}
	switch {
	case !st.Lock.Held:
		_, _ = fmt.Fprintln(out, "lock=free")
	case st.Lock.PID == 0:
		_, _ = fmt.Fprintf(out, "lock=held holder=scheduler path=%s\n", st.Lock.Path)
	case st.Lock.Remote:
		_, _ = fmt.Fprintf(out, "lock=held host=%s pid=%d (remote, not probed)\n", st.Lock.Host, st.Lock.PID)
	case st.Lock.Alive:
		_, _ = fmt.Fprintf(out, "lock=held pid=%d\n", st.Lock.PID)
	default:
		_, _ = fmt.Fprintf(out, "lock=stale pid=%d path=%s\n", st.Lock.PID, st.Lock.Path)
	}

	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHUNK\tDONE\tERRORS\tLAST TASK\tSTATE")
	for _, c := range st.Chunks {
		task, state := "-", "-"
		if c.LatestTask != "" {
			task, state = shortTaskID(c.LatestTask), c.LatestState
		}
		_, _ = fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\n", c.Chunk, c.Done, humanize.Bytes(uint64(c.ErrorBytes)), task, state)
	}
	_ = w.Flush()

	if len(st.Tasks) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TASK ID\tKIND\tCHUNK\tSTATE\tPID\tSCHEDULER ID\tSTARTED\tENDED")
		for _, t := range st.Tasks {
			chunk := "-"
			if t.Kind == jobregistry.TaskKindChunk {
				chunk = fmt.Sprint(t.Chunk)
			}
			pid := "-"
			if t.PID > 0 {
				pid = fmt.Sprint(t.PID)
			}
			sched := t.SchedulerID
			if sched == "" {
				sched = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortTaskID(t.TaskID), t.Kind, chunk, t.State, pid, sched,
				formatOptionalTime(t.StartedAt), formatOptionalTime(t.EndedAt))
		}
		_ = w.Flush()
	}

	_, _ = fmt.Fprintln(out)
	if st.Complete {
		_, _ = fmt.Fprintln(out, "complete=true")
		return
	}
	_, _ = fmt.Fprintf(out, "complete=false (%d problems)\n", len(st.Problems))
	for _, p := range st.Problems {
		_, _ = fmt.Fprintf(out, "  - %s\n", p)
	}
}

func shortTaskID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
