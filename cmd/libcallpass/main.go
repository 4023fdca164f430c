package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"libcall.sandbox/internal/extract"
	"libcall.sandbox/pkg/ir/ssabridge"
	"libcall.sandbox/pkg/policy"
)

func main() {
	dotDir := flag.String("dot-dir", "libcall_dot", "directory for per-function DOT graphs")
	artifactOut := flag.String("policy-json", "libcall_policy.json", "path for the aggregated policy artifact")
	mod := flag.Int("mod", 200, "modulus for dummy id assignment")
	idMode := flag.String("id-mode", "dummy", "id mode: dummy or unique")
	irOut := flag.String("ir-out", "", "path for the instrumented IR dump (optional)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if flag.NArg() < 1 {
		log.Fatalf("Usage: %s [flags] <package pattern>...", os.Args[0])
	}

	mode, err := policy.ParseIDMode(*idMode)
	if err != nil {
		log.Fatalf("Invalid id mode: %v", err)
	}

	module, err := ssabridge.Load(flag.Args()...)
	if err != nil {
		log.Fatalf("Loading module: %v", err)
	}
	log.WithField("functions", len(module.Funcs)).Info("Module loaded.")

	cfg := extract.DefaultConfig()
	cfg.Mod = *mod
	cfg.IDMode = mode

	pass := extract.NewPass(cfg, log)
	pass.DotDir = *dotDir
	artifact, err := pass.Run(module)
	if err != nil {
		log.Fatalf("Pass failed: %v", err)
	}

	encoded, err := artifact.Encode()
	if err != nil {
		log.Fatalf("Serializing artifact: %v", err)
	}
	if err := os.WriteFile(*artifactOut, encoded, 0o644); err != nil {
		log.Fatalf("Writing artifact: %v", err)
	}
	log.WithFields(logrus.Fields{
		"path":      *artifactOut,
		"functions": len(artifact.Functions),
	}).Info("Policy artifact written.")

	if *irOut != "" {
		if err := os.WriteFile(*irOut, []byte(module.String()), 0o644); err != nil {
			log.Fatalf("Writing instrumented IR: %v", err)
		}
		log.WithField("path", *irOut).Info("Instrumented IR written.")
	}
}
