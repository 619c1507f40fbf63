package resources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	errwrap "github.com/3leaps/gorum/internal/errors"
	"github.com/3leaps/gorum/pkg/jobconfig"
)

// Policy decides what happens when the per-chunk estimate is short.
type Policy string

const (
	// PolicyWarn logs and continues.
	PolicyWarn Policy = "warn"
	// PolicyPrompt asks the operator on a terminal and falls back to warn
	// when there is none.
	PolicyPrompt Policy = "prompt"
	// PolicyAbort fails the run.
	PolicyAbort Policy = "abort"
)

// DefaultUpperBoundGB caps the RAM value recorded for a job.
const DefaultUpperBoundGB = 6

// ParsePolicy accepts warn, prompt or abort (case-insensitive). Empty means warn.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyWarn, nil
	case PolicyWarn, PolicyPrompt, PolicyAbort:
		return p, nil
	default:
		return "", errwrap.NewUsageError(fmt.Sprintf("invalid ram policy %q", s), "use one of: warn, prompt, abort")
	}
}

// MinRAMGB is the minimum gigabytes per chunk for a genome of genomeGB.
func MinRAMGB(genomeGB float64) int {
	return int(math.Floor(1.67*genomeGB)) + 1
}

// Prompter asks the operator a yes/no question.
type Prompter interface {
	// Interactive reports whether a human can answer.
	Interactive() bool
	Confirm(question string) (bool, error)
}

// TerminalPrompter prompts on Out and reads the answer from In.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompter prompts on stderr and reads stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Interactive is true only when In is a terminal.
func (p *TerminalPrompter) Interactive() bool {
	f, ok := p.In.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *TerminalPrompter) Confirm(question string) (bool, error) {
	_, _ = fmt.Fprintf(p.Out, "%s [Y/N]\n", question)
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	return strings.ToLower(strings.TrimSpace(line)) == "y", nil
}

// Estimate is the outcome of a sizing check.
type Estimate struct {
	GenomeBytes int64
	MinGB       int
	// TotalGB is zero when memory could not be determined.
	TotalGB    float64
	PerChunkGB float64
	Sufficient bool
	// RAMGB is the value recorded into the settings.
	RAMGB float64
	// Skipped is true when the settings already carried a RAM decision.
	Skipped bool
}

// RAMCheck compares the genome-derived minimum with available memory and
// records a per-chunk RAM value into the job settings.
type RAMCheck struct {
	Probe    MemoryProbe
	Policy   Policy
	Prompter Prompter
	// UpperBoundGB caps the recorded value; zero means DefaultUpperBoundGB.
	UpperBoundGB float64
	// TotalGB, when positive, replaces detection.
	TotalGB float64
	Logger  *zap.Logger
}

// Check sizes s for a genome of genomeBytes. It is a no-op when s already
// has RAM set or acknowledged. On return (without error) s.RAM and s.RAMOK
// are set.
func (c *RAMCheck) Check(ctx context.Context, s *jobconfig.Settings, genomeBytes int64) (Estimate, error) {
	if s.RAM > 0 || s.RAMOK {
		return Estimate{Skipped: true, RAMGB: s.RAM}, nil
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	upper := c.UpperBoundGB
	if upper <= 0 {
		upper = DefaultUpperBoundGB
	}

	est := Estimate{
		GenomeBytes: genomeBytes,
		MinGB:       MinRAMGB(GenomeGB(genomeBytes)),
	}

	est.TotalGB = c.TotalGB
	if est.TotalGB <= 0 && c.Probe != nil {
		est.TotalGB, _ = c.Probe.AvailableGB(ctx)
	}

	if est.TotalGB <= 0 {
		est.RAMGB = clampRAM(est.MinGB, 0, 0, upper)
		logger.Warn("Could not determine available memory; assuming the minimum per chunk",
			zap.Int("min_gb", est.MinGB),
			zap.Float64("ram_gb", est.RAMGB))
		s.RAM, s.RAMOK = est.RAMGB, true
		return est, nil
	}

	est.PerChunkGB = est.TotalGB / float64(s.ChunkCount())
	est.Sufficient = est.PerChunkGB >= float64(est.MinGB)
	est.RAMGB = clampRAM(est.MinGB, est.TotalGB, est.PerChunkGB, upper)

	fields := []zap.Field{
		zap.String("genome", humanize.Bytes(uint64(genomeBytes))),
		zap.Int("min_gb", est.MinGB),
		zap.Float64("total_gb", round1(est.TotalGB)),
		zap.Float64("per_chunk_gb", round1(est.PerChunkGB)),
		zap.Int("chunks", s.ChunkCount()),
	}

	if !est.Sufficient {
		logger.Warn("Estimated memory per chunk is below the recommended minimum", fields...)
		if err := c.resolveShortfall(est, s, logger); err != nil {
			return est, err
		}
	} else {
		logger.Debug("Memory per chunk is sufficient", fields...)
	}

	s.RAM, s.RAMOK = est.RAMGB, true
	return est, nil
}

func (c *RAMCheck) resolveShortfall(est Estimate, s *jobconfig.Settings, logger *zap.Logger) error {
	switch c.Policy {
	case PolicyAbort:
		return errwrap.NewResourceError(fmt.Sprintf(
			"%.1f GB per chunk is below the recommended %d GB for this genome", est.PerChunkGB, est.MinGB))
	case PolicyPrompt:
		if c.Prompter == nil || !c.Prompter.Interactive() {
			logger.Warn("No terminal to confirm on; continuing")
			return nil
		}
		ok, err := c.Prompter.Confirm(fmt.Sprintf(
			"Only %.1f GB of memory per chunk is available across %d chunks, %d GB is recommended. Continue?",
			est.PerChunkGB, s.ChunkCount(), est.MinGB))
		if err != nil {
			return errwrap.WrapEnvironment(err, "read confirmation")
		}
		if !ok {
			return errwrap.NewResourceError("run declined: not enough memory per chunk")
		}
		return nil
	default:
		return nil
	}
}

// clampRAM picks the recorded per-chunk value: the minimum, raised to the
// per-chunk share when that is larger, capped at upper, lowered to the share
// when the whole machine has less than that, never below 1.
func clampRAM(minGB int, totalGB, perChunkGB, upper float64) float64 {
	ram := float64(minGB)
	if perChunkGB > ram {
		ram = perChunkGB
	}
	if ram > upper {
		ram = upper
	}
	if totalGB > 0 && totalGB < ram {
		ram = perChunkGB
	}
	ram = math.Floor(ram)
	if ram < 1 {
		ram = 1
	}
	return ram
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// GenomeLocator resolves the genome FASTA for a job.
type GenomeLocator func(s *jobconfig.Settings) (string, error)

// Sizer runs the RAM check for a job whose genome is found by Genome.
type Sizer struct {
	Check  *RAMCheck
	Genome GenomeLocator
}

// Size measures the genome and runs the check. Settings that already carry
// a RAM decision are left alone without touching the genome file.
func (z *Sizer) Size(ctx context.Context, s *jobconfig.Settings) (Estimate, error) {
	if s.RAM > 0 || s.RAMOK {
		return Estimate{Skipped: true, RAMGB: s.RAM}, nil
	}
	path, err := z.Genome(s)
	if err != nil {
		return Estimate{}, err
	}
	size, err := GenomeSize(path)
	if err != nil {
		return Estimate{}, err
	}
	return z.Check.Check(ctx, s, size)
}
