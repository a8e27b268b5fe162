package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// loadJobConf reads a YAML job definition. Unknown keys are rejected so that
// typos in scope rules do not silently widen a crawl.
func loadJobConf(path string) (crawler.JobConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crawler.JobConf{}, fmt.Errorf("read job file: %w", err)
	}
	return parseJobConf(data)
}

func parseJobConf(data []byte) (crawler.JobConf, error) {
	var conf crawler.JobConf
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&conf); err != nil {
		if errors.Is(err, io.EOF) {
			return crawler.JobConf{}, errors.New("job file is empty")
		}
		return crawler.JobConf{}, fmt.Errorf("decode job file: %w", err)
	}
	if len(conf.Seeds) == 0 {
		return crawler.JobConf{}, errors.New("job file has no seeds")
	}
	for i, seed := range conf.Seeds {
		if seed.URL == "" {
			return crawler.JobConf{}, fmt.Errorf("seed %d has no url", i)
		}
	}
	return conf, nil
}
