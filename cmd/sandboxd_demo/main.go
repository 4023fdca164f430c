package main

import (
	"fmt"
	"log"

	"github.com/sirupsen/logrus"

	"libcall.sandbox/internal/sandboxd"
	"libcall.sandbox/pkg/automaton"
	"libcall.sandbox/pkg/policy"
)

// Demo: build the artifact for a function calling open, read, close in a
// straight line, install it into an in-process engine, and replay an
// accepted trace followed by a violating one. The kill function is stubbed
// so the demo reports the violation instead of shooting a random pid.
func main() {
	fmt.Println("=== Library-call sandbox demo ===")

	g := &automaton.Graph{FunctionName: "demo_linear"}
	for i, callee := range []string{"open", "read", "close"} {
		idx := g.AddNode(callee)
		g.Nodes[idx].DummyID = i
		g.Nodes[idx].UniqueID = i + 1
	}
	g.AddEdge(0, 1)
	g.AddEdge(1, 2)

	artifact := &policy.Artifact{Functions: []policy.FunctionPolicy{
		policy.FromGraph(g, 200, policy.IDModeDummy, nil),
	}}

	encoded, err := artifact.Encode()
	if err != nil {
		log.Fatalf("Serializing artifact: %v", err)
	}
	fmt.Printf("Policy artifact:\n%s\n\n", encoded)

	parsed, err := policy.Parse(encoded)
	if err != nil {
		log.Fatalf("Parsing artifact: %v", err)
	}

	const pid = 4242
	blob, err := policy.BuildBlob(parsed, 0, pid, policy.IDModeDummy)
	if err != nil {
		log.Fatalf("Building install blob: %v", err)
	}

	logger := logrus.New()
	engine := sandboxd.NewEngine(logger)
	killed := false
	engine.SetKillFunc(func(p uint32) error {
		killed = true
		fmt.Printf(">>> SIGKILL delivered to pid %d\n", p)
		return nil
	})

	if err := engine.Install(blob); err != nil {
		log.Fatalf("Install failed: %v", err)
	}

	fmt.Println("Replaying accepted prefix 0, 1:")
	for _, id := range []int32{0, 1} {
		engine.Observe(pid, id)
		fmt.Printf("  observed %d, frontier size %d\n", id, engine.Lookup(pid).Frontier().Count())
	}
	if killed {
		log.Fatal("accepted prefix was killed")
	}

	fmt.Println("Replaying marker 99 (no edge consumes it):")
	engine.Observe(pid, 99)
	if !killed {
		log.Fatal("violating trace survived")
	}
	fmt.Println("Demo complete.")
}
