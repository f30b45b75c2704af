package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel"
	"github.com/slackhq/flowtunnel/config"
	"github.com/slackhq/flowtunnel/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

// nodeList collects node ids from a repeatable, comma separated flag
type nodeList []string

func (n *nodeList) String() string {
	return strings.Join(*n, ",")
}

func (n *nodeList) Set(v string) error {
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			*n = append(*n, id)
		}
	}
	return nil
}

func main() {
	var switchOn nodeList

	configPath := flag.String("config", "", "Path to a yaml file or a directory of yaml files describing the flow")
	configTest := flag.Bool("test", false, "Build the flow, print the merged config with credentials redacted and exit. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	flag.Var(&switchOn, "on", "Tunnel node ids to switch on once the flow is running, may be repeated or comma separated")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -config <path> [-on <node id>]\n\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s\n", err)
		os.Exit(1)
	}

	ctrl, err := flowtunnel.Main(c, *configTest, Build, l, nil)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	ctrl.Start()
	for _, id := range switchOn {
		if err := ctrl.Inject(id, "on"); err != nil {
			l.WithError(err).WithField("nodeId", id).Error("Failed to switch tunnel on")
		}
	}

	notifyReady(l)
	ctrl.ShutdownBlock()
	os.Exit(0)
}
