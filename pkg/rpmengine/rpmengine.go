// Package rpmengine wraps the system rpm(8) binary as an opaque,
// supervised external dependency: header parsing, transaction sets,
// progress callbacks, and the database on disk are all reached through
// rpm invocations rather than a cgo binding.
package rpmengine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/urpmd/urpmd/pkg/types"
)

// Engine shells out to rpm for header queries and transaction-set
// lifecycle operations. Root is the RPM root to operate against
// ("--root", empty for the live system).
type Engine struct {
	Root   string
	Binary string
}

// New returns an Engine targeting root ("" for the live system's own
// database).
func New(root string) *Engine {
	return &Engine{Root: root, Binary: "rpm"}
}

const queryFormat = `%{NAME}\t%{EPOCH}\t%{VERSION}\t%{RELEASE}\t%{ARCH}\t%{SIZE}\n`

// ListInstalled queries the local RPM database for every installed
// package's identity, the pool the resolver treats as "the installed
// set".
func (e *Engine) ListInstalled(ctx context.Context) ([]types.Package, error) {
	args := e.rootArgs("-qa", "--qf", queryFormat)
	out, err := e.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}
	return parseQueryOutput(out)
}

// QueryPackage returns the installed package matching name, if any.
func (e *Engine) QueryPackage(ctx context.Context, name string) (*types.Package, error) {
	args := e.rootArgs("-q", name, "--qf", queryFormat)
	out, err := e.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("package %s not installed: %w", name, err)
	}
	pkgs, err := parseQueryOutput(out)
	if err != nil || len(pkgs) == 0 {
		return nil, fmt.Errorf("failed to parse rpm query for %s: %w", name, err)
	}
	return &pkgs[0], nil
}

// HeaderRequires returns the capability names an RPM file at path
// requires, used by the resolver when a local on-disk RPM is injected
// into the pool (resolve_install's local_packages parameter).
func (e *Engine) HeaderRequires(ctx context.Context, path string) ([]string, error) {
	out, err := e.run(ctx, "-qp", "--requires", path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requires from %s: %w", path, err)
	}
	return splitNonEmptyLines(out), nil
}

// HeaderProvides returns the capability names an RPM file at path
// provides.
func (e *Engine) HeaderProvides(ctx context.Context, path string) ([]string, error) {
	out, err := e.run(ctx, "-qp", "--provides", path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provides from %s: %w", path, err)
	}
	return splitNonEmptyLines(out), nil
}

// HeaderInfo reads name/EVR/arch/size from a local RPM file, used to
// compare a local package against the media pool per resolver tie-break
// rule 4.
func (e *Engine) HeaderInfo(ctx context.Context, path string) (*types.Package, error) {
	out, err := e.run(ctx, "-qp", "--qf", queryFormat, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read header from %s: %w", path, err)
	}
	pkgs, err := parseQueryOutput(out)
	if err != nil || len(pkgs) == 0 {
		return nil, fmt.Errorf("failed to parse header for %s: %w", path, err)
	}
	pkgs[0].Filename = path
	return &pkgs[0], nil
}

func (e *Engine) rootArgs(args ...string) []string {
	if e.Root == "" {
		return args
	}
	return append([]string{"--root", e.Root}, args...)
}

func (e *Engine) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func parseQueryOutput(out []byte) ([]types.Package, error) {
	var pkgs []types.Package
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 6 {
			continue
		}
		epoch, _ := strconv.Atoi(fields[1])
		if fields[1] == "(none)" || fields[1] == "" {
			epoch = 0
		}
		size, _ := strconv.ParseInt(fields[5], 10, 64)
		p := types.Package{
			Name:    fields[0],
			Epoch:   epoch,
			Version: fields[2],
			Release: fields[3],
			Arch:    fields[4],
			FileSize: size,
		}
		p.NEVRA = nevra(p)
		pkgs = append(pkgs, p)
	}
	return pkgs, scanner.Err()
}

func nevra(p types.Package) string {
	if p.Epoch != 0 {
		return fmt.Sprintf("%s-%d:%s-%s.%s", p.Name, p.Epoch, p.Version, p.Release, p.Arch)
	}
	return fmt.Sprintf("%s-%s-%s.%s", p.Name, p.Version, p.Release, p.Arch)
}

func splitNonEmptyLines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		l := strings.TrimSpace(scanner.Text())
		if l != "" && l != "(none)" {
			lines = append(lines, l)
		}
	}
	return lines
}
