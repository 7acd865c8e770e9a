package backup

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// PGDumper dumps and restores through the datastore's own tooling. Restore
// runs inside a single transaction with ON_ERROR_STOP so a broken dump never
// half-applies.
type PGDumper struct {
	URL string
}

func (d *PGDumper) Dump(ctx context.Context, w io.Writer) error {
	cmd := exec.CommandContext(ctx, "pg_dump", "--clean", "--if-exists", "--dbname", d.URL)
	cmd.Stdout = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}
	return nil
}

func (d *PGDumper) Restore(ctx context.Context, r io.Reader) error {
	cmd := exec.CommandContext(ctx, "psql",
		"--single-transaction",
		"--set", "ON_ERROR_STOP=1",
		"--dbname", d.URL)
	cmd.Stdin = r
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("psql restore: %w", err)
	}
	return nil
}
