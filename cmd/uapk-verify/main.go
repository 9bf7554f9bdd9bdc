// Command uapk-verify checks an exported interaction-record chain
// offline. It needs no database and no network: the JSONL export
// carries the records, an optional manifest snapshot and the signing
// public key, so any auditor can rerun the hash and signature checks.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/uapk-labs/gateway/pkg/record"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("uapk-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	input := fs.String("input", "-", "JSONL export to verify, or - for stdin")
	publicKey := fs.String("public-key", "", "base64 Ed25519 public key; overrides the key embedded in the export")
	skipSignatures := fs.Bool("skip-signatures", false, "check hashes and chain links only")
	jsonOut := fs.Bool("json", false, "emit the verification report as JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: uapk-verify [-input export.jsonl] [-public-key KEY] [-json]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(stderr, "uapk-verify: %v\n", err)
			return 2
		}
		defer f.Close()
		in = f
	}

	records, manifest, embeddedKey, err := record.ReadJSONL(in)
	if err != nil {
		fmt.Fprintf(stderr, "uapk-verify: %v\n", err)
		return 2
	}

	key := embeddedKey
	if *publicKey != "" {
		key = *publicKey
	}
	if *skipSignatures {
		key = ""
	}
	if key == "" && !*skipSignatures {
		fmt.Fprintln(stderr, "uapk-verify: no public key in export and none given; signatures will not be checked")
	}

	report := record.VerifyChain(records, key)

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "uapk-verify: %v\n", err)
			return 2
		}
	} else {
		if manifest != nil {
			fmt.Fprintf(stdout, "manifest:   %s v%s (%s)\n", manifest.UAPKID, manifest.Version, manifest.Status)
		}
		fmt.Fprintf(stdout, "records:    %d\n", report.RecordCount)
		if report.RecordCount > 0 {
			fmt.Fprintf(stdout, "first:      %s\n", report.FirstRecordID)
			fmt.Fprintf(stdout, "last:       %s\n", report.LastRecordID)
		}
		if key != "" {
			fmt.Fprintf(stdout, "signatures: checked against %s\n", key)
		} else {
			fmt.Fprintln(stdout, "signatures: skipped")
		}
		if report.IsValid {
			fmt.Fprintln(stdout, "result:     VALID")
		} else {
			fmt.Fprintln(stdout, "result:     INVALID")
			for _, e := range report.Errors {
				fmt.Fprintf(stdout, "  - %s\n", e)
			}
		}
	}

	if !report.IsValid {
		return 1
	}
	return 0
}
