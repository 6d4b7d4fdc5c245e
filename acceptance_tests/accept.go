package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nci/eotsv/geo"
	proc "github.com/nci/eotsv/processor"
	"github.com/nci/eotsv/worker"
	"golang.org/x/crypto/ssh/terminal"
)

var passed = "Passed"
var failed = "Failed"

// sampleCase is one line of a request list: uri x y [crs].
type sampleCase struct {
	uri string
	pt  geo.Point
	crs string
}

func readCases(path string) ([]sampleCase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cases []sampleCase
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("invalid request line %q", scanner.Text())
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("invalid coordinates in %q", scanner.Text())
		}
		c := sampleCase{uri: fields[0], pt: geo.Point{X: x, Y: y}, crs: geo.WGS84}
		if len(fields) > 3 {
			c.crs = fields[3]
		}
		cases = append(cases, c)
	}
	return cases, scanner.Err()
}

// Sample sends every case through client with concLevel requests in
// flight and reports whether all of them returned a value.
func Sample(client *worker.Client, cases []sampleCase, concLevel int, timeout time.Duration) (bool, time.Duration) {
	start := time.Now()
	var failures int32

	conc := proc.NewConcLimiter(concLevel)
	for _, c := range cases {
		conc.Increase(context.Background())
		go func(c sampleCase) {
			defer conc.Decrease()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			res, err := client.Sample(ctx, &proc.SampleRequest{URI: c.uri, Points: []geo.Point{c.pt}, CRS: c.crs})
			if err != nil || len(res.Values) != 1 || res.Values[0] == nil {
				fmt.Fprintf(os.Stderr, "%s %v: %v\n", c.uri, c.pt, err)
				atomic.AddInt32(&failures, 1)
			}
		}(c)
	}
	conc.Wait()

	return failures == 0, time.Since(start)
}

func inRed(str string) string {
	return fmt.Sprintf("\x1b[31;1m%s\x1b[0m", str)
}

func inGreen(str string) string {
	return fmt.Sprintf("\x1b[32;1m%s\x1b[0m", str)
}

func main() {
	host := flag.String("h", "localhost:6000", "sampler service address")
	requests := flag.String("r", "acpt_samples.txt", "request list, one 'uri x y [crs]' per line")
	conc := flag.Int("n", 6, "Concurrency level for acceptance tests")
	timeout := flag.Duration("t", 30*time.Second, "per request timeout")
	flag.Parse()

	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		passed = inGreen(passed)
		failed = inRed(failed)
	}

	cases, err := readCases(*requests)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	client, err := worker.Dial([]string{*host}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer client.Close()

	if len(cases) == 0 {
		fmt.Fprintln(os.Stderr, "no requests in", *requests)
		os.Exit(2)
	}

	fmt.Printf("Testing sampler reachability: ")
	ok, t := Sample(client, cases[:1], 1, *timeout)
	if !ok {
		fmt.Println(failed)
		os.Exit(1)
	}
	fmt.Println(passed, t)

	fmt.Printf("Testing Sample sending %d requests: ", len(cases))
	if ok, t = Sample(client, cases, *conc, *timeout); !ok {
		fmt.Println(failed)
		os.Exit(1)
	}
	fmt.Println(passed, t)
}
