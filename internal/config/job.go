package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// MinTaskIDLength is the shortest task id the leader hands out.
const MinTaskIDLength = 32

// DefaultBatchDuration is the batch duration, in seconds, of an experiment
// that does not set one: one week.
const DefaultBatchDuration = 7 * 24 * 60 * 60

// ValidationError reports the first problem found in a configuration. A
// configuration with any ValidationError is rejected as a whole.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// VDAF names the aggregation function of a DAP task.
type VDAF string

const (
	VDAFHistogram VDAF = "histogram"
	VDAFSumVec    VDAF = "sumvec"
	VDAFSum       VDAF = "sum"
)

func parseVDAF(s string) (VDAF, bool) {
	switch v := VDAF(s); v {
	case VDAFHistogram, VDAFSumVec, VDAFSum:
		return v, true
	}
	return "", false
}

// ConversionType is the attribution conversion model.
type ConversionType string

const (
	ConversionView    ConversionType = "view"
	ConversionClick   ConversionType = "click"
	ConversionDefault ConversionType = "default"
)

func parseConversionType(s string) (ConversionType, bool) {
	switch c := ConversionType(s); c {
	case ConversionView, ConversionClick, ConversionDefault:
		return c, true
	}
	return "", false
}

// Task describes one DAP aggregation task.
type Task struct {
	ID                 string
	VDAF               VDAF
	Length             int
	Bits               int
	TimePrecision      int64
	DefaultMeasurement int
}

// Partner owns the task an advertiser's ads report into.
type Partner struct {
	ID   uuid.UUID
	Task Task
}

// Ad binds an ad to one bucket of its partner's histogram.
type Ad struct {
	Source string
	ID     int64
	Index  int
}

// Advertiser is one attribution collection schedule.
type Advertiser struct {
	Name           string
	Partner        Partner
	StartDate      civil.Date
	Duration       time.Duration
	ConversionType ConversionType
	LookbackWindow int
	Ads            []Ad
}

// Branch binds an experiment branch to a task bucket. Bucket is zero based.
type Branch struct {
	Slug       string
	Advertiser string
	Metric     string
	Task       Task
	Bucket     int
}

// Experiment is one incrementality collection schedule.
type Experiment struct {
	Slug         string
	StartDate    civil.Date
	Duration     time.Duration
	CountryCodes []string
	Branches     []Branch
}

// Job is the validated job document.
type Job struct {
	HPKEConfig  Secret
	Leader      string
	Advertisers []Advertiser
	Experiments []Experiment
}

// document mirrors the on-disk job file. Both JSON and YAML are accepted.
type document struct {
	CollectionConfig struct {
		HPKEConfig string `yaml:"hpke_config"`
		Leader     string `yaml:"leader"`
	} `yaml:"collection_config"`
	Advertisers []advertiserDoc       `yaml:"advertisers"`
	Partners    map[string]partnerDoc `yaml:"partners"`
	Ads         map[string]adDoc      `yaml:"ads"`
	Experiments []experimentDoc       `yaml:"experiments"`
}

type advertiserDoc struct {
	Name              string `yaml:"name"`
	PartnerID         string `yaml:"partner_id"`
	StartDate         string `yaml:"start_date"`
	CollectorDuration int64  `yaml:"collector_duration"`
	ConversionType    string `yaml:"conversion_type"`
	LookbackWindow    int    `yaml:"lookback_window"`
}

type partnerDoc struct {
	TaskID             string `yaml:"task_id"`
	VDAF               string `yaml:"vdaf"`
	Bits               *int   `yaml:"bits"`
	Length             int    `yaml:"length"`
	TimePrecision      int64  `yaml:"time_precision"`
	DefaultMeasurement int    `yaml:"default_measurement"`
}

type adDoc struct {
	PartnerID string `yaml:"partner_id"`
	Index     *int   `yaml:"index"`
}

type experimentDoc struct {
	Slug          string      `yaml:"slug"`
	StartDate     string      `yaml:"start_date"`
	BatchDuration int64       `yaml:"batch_duration"`
	Targeting     string      `yaml:"targeting"`
	CountryCodes  []string    `yaml:"country_codes"`
	Branches      []branchDoc `yaml:"branches"`
}

type branchDoc struct {
	Slug       string `yaml:"slug"`
	Advertiser string `yaml:"advertiser"`
	Metric     string `yaml:"metric"`
	TaskID     string `yaml:"task_id"`
	VDAF       string `yaml:"vdaf"`
	Length     int    `yaml:"length"`
	Bucket     int    `yaml:"bucket"`
}

// ParseJob decodes and validates a job document. Unknown fields are rejected.
func ParseJob(data []byte) (*Job, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalid("document", "is empty")
		}
		return nil, &ValidationError{Field: "document", Reason: err.Error()}
	}
	return doc.validate()
}

func (d *document) validate() (*Job, error) {
	if d.CollectionConfig.HPKEConfig == "" {
		return nil, invalid("collection_config.hpke_config", "is required")
	}
	if len(d.Advertisers) == 0 && len(d.Experiments) == 0 {
		return nil, invalid("document", "defines neither advertisers nor experiments")
	}

	job := &Job{
		HPKEConfig: Secret(d.CollectionConfig.HPKEConfig),
		Leader:     d.CollectionConfig.Leader,
	}

	partners, err := d.partners()
	if err != nil {
		return nil, err
	}
	ads, err := d.adsByPartner(partners)
	if err != nil {
		return nil, err
	}

	seenNames := map[string]bool{}
	for i, a := range d.Advertisers {
		field := fmt.Sprintf("advertisers[%d]", i)
		adv, err := a.validate(field, partners)
		if err != nil {
			return nil, err
		}
		if seenNames[adv.Name] {
			return nil, invalid(field+".name", "duplicate advertiser %q", adv.Name)
		}
		seenNames[adv.Name] = true
		adv.Ads = ads[adv.Partner.ID]
		job.Advertisers = append(job.Advertisers, adv)
	}

	seenSlugs := map[string]bool{}
	for i, e := range d.Experiments {
		field := fmt.Sprintf("experiments[%d]", i)
		exp, err := e.validate(field)
		if err != nil {
			return nil, err
		}
		if seenSlugs[exp.Slug] {
			return nil, invalid(field+".slug", "duplicate experiment %q", exp.Slug)
		}
		seenSlugs[exp.Slug] = true
		job.Experiments = append(job.Experiments, exp)
	}
	return job, nil
}

func (d *document) partners() (map[uuid.UUID]Partner, error) {
	out := make(map[uuid.UUID]Partner, len(d.Partners))
	taskOwners := map[string]uuid.UUID{}

	for _, key := range sortedKeys(d.Partners) {
		p := d.Partners[key]
		field := fmt.Sprintf("partners[%s]", key)
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, invalid(field, "partner id is not a UUID: %v", err)
		}
		if _, dup := out[id]; dup {
			return nil, invalid(field, "duplicate partner id")
		}
		task, err := validateTask(field, p.TaskID, p.VDAF, p.Length)
		if err != nil {
			return nil, err
		}
		if p.Bits != nil {
			if *p.Bits <= 0 {
				return nil, invalid(field+".bits", "must be positive")
			}
			task.Bits = *p.Bits
		}
		if p.TimePrecision <= 0 {
			return nil, invalid(field+".time_precision", "must be positive")
		}
		task.TimePrecision = p.TimePrecision
		task.DefaultMeasurement = p.DefaultMeasurement
		if owner, dup := taskOwners[task.ID]; dup {
			return nil, invalid(field+".task_id", "task already used by partner %s", owner)
		}
		taskOwners[task.ID] = id
		out[id] = Partner{ID: id, Task: task}
	}
	return out, nil
}

func (d *document) adsByPartner(partners map[uuid.UUID]Partner) (map[uuid.UUID][]Ad, error) {
	out := map[uuid.UUID][]Ad{}
	usedIndex := map[uuid.UUID]map[int]string{}

	for _, key := range sortedKeys(d.Ads) {
		a := d.Ads[key]
		field := fmt.Sprintf("ads[%s]", key)
		source, adID, err := ParseAdKey(key)
		if err != nil {
			return nil, invalid(field, "%v", err)
		}
		pid, err := uuid.Parse(a.PartnerID)
		if err != nil {
			return nil, invalid(field+".partner_id", "not a UUID: %v", err)
		}
		partner, ok := partners[pid]
		if !ok {
			return nil, invalid(field+".partner_id", "unknown partner %s", pid)
		}
		if a.Index == nil {
			return nil, invalid(field+".index", "is required")
		}
		if *a.Index < 0 || *a.Index >= partner.Task.Length {
			return nil, invalid(field+".index", "%d outside task length %d", *a.Index, partner.Task.Length)
		}
		if usedIndex[pid] == nil {
			usedIndex[pid] = map[int]string{}
		}
		if other, dup := usedIndex[pid][*a.Index]; dup {
			return nil, invalid(field+".index", "bucket %d already bound to %s", *a.Index, other)
		}
		usedIndex[pid][*a.Index] = key
		out[pid] = append(out[pid], Ad{Source: source, ID: adID, Index: *a.Index})
	}
	return out, nil
}

func (a advertiserDoc) validate(field string, partners map[uuid.UUID]Partner) (Advertiser, error) {
	if a.Name == "" {
		return Advertiser{}, invalid(field+".name", "is required")
	}
	pid, err := uuid.Parse(a.PartnerID)
	if err != nil {
		return Advertiser{}, invalid(field+".partner_id", "not a UUID: %v", err)
	}
	partner, ok := partners[pid]
	if !ok {
		return Advertiser{}, invalid(field+".partner_id", "unknown partner %s", pid)
	}
	start, err := civil.ParseDate(a.StartDate)
	if err != nil {
		return Advertiser{}, invalid(field+".start_date", "%v", err)
	}
	duration, err := validateDuration(field+".collector_duration", a.CollectorDuration)
	if err != nil {
		return Advertiser{}, err
	}
	ct, ok := parseConversionType(a.ConversionType)
	if !ok {
		return Advertiser{}, invalid(field+".conversion_type", "%q is not one of view, click, default", a.ConversionType)
	}
	if a.LookbackWindow <= 0 {
		return Advertiser{}, invalid(field+".lookback_window", "must be positive")
	}
	return Advertiser{
		Name:           a.Name,
		Partner:        partner,
		StartDate:      start,
		Duration:       duration,
		ConversionType: ct,
		LookbackWindow: a.LookbackWindow,
	}, nil
}

func (e experimentDoc) validate(field string) (Experiment, error) {
	if e.Slug == "" {
		return Experiment{}, invalid(field+".slug", "is required")
	}
	start, err := civil.ParseDate(e.StartDate)
	if err != nil {
		return Experiment{}, invalid(field+".start_date", "%v", err)
	}
	seconds := e.BatchDuration
	if seconds == 0 {
		seconds = DefaultBatchDuration
	}
	duration, err := validateDuration(field+".batch_duration", seconds)
	if err != nil {
		return Experiment{}, err
	}
	if len(e.Branches) == 0 {
		return Experiment{}, invalid(field+".branches", "at least one branch is required")
	}

	countries := e.CountryCodes
	if len(countries) == 0 && e.Targeting != "" {
		countries = CountryCodesFromTargeting(e.Targeting)
	}

	exp := Experiment{
		Slug:         e.Slug,
		StartDate:    start,
		Duration:     duration,
		CountryCodes: countries,
	}

	tasks := map[string]Task{}
	buckets := map[string]map[int]string{}
	for i, b := range e.Branches {
		bf := fmt.Sprintf("%s.branches[%d]", field, i)
		if b.Slug == "" || b.Advertiser == "" || b.Metric == "" {
			return Experiment{}, invalid(bf, "slug, advertiser and metric are required")
		}
		vdaf := b.VDAF
		if vdaf == "" {
			vdaf = string(VDAFHistogram)
		}
		task, err := validateTask(bf, b.TaskID, vdaf, b.Length)
		if err != nil {
			return Experiment{}, err
		}
		if prev, ok := tasks[task.ID]; ok && prev != task {
			return Experiment{}, invalid(bf, "task %s declared with conflicting vdaf or length", task.ID)
		}
		tasks[task.ID] = task

		// Experiment branches count buckets from 1.
		if b.Bucket < 1 || b.Bucket > task.Length {
			return Experiment{}, invalid(bf+".bucket", "%d outside 1..%d", b.Bucket, task.Length)
		}
		if buckets[task.ID] == nil {
			buckets[task.ID] = map[int]string{}
		}
		if other, dup := buckets[task.ID][b.Bucket]; dup {
			return Experiment{}, invalid(bf+".bucket", "bucket %d already bound to branch %s", b.Bucket, other)
		}
		buckets[task.ID][b.Bucket] = b.Slug

		exp.Branches = append(exp.Branches, Branch{
			Slug:       b.Slug,
			Advertiser: b.Advertiser,
			Metric:     b.Metric,
			Task:       task,
			Bucket:     b.Bucket - 1,
		})
	}
	return exp, nil
}

func validateTask(field, taskID, vdaf string, length int) (Task, error) {
	if len(taskID) < MinTaskIDLength {
		return Task{}, invalid(field+".task_id", "must be at least %d characters", MinTaskIDLength)
	}
	kind, ok := parseVDAF(vdaf)
	if !ok {
		return Task{}, invalid(field+".vdaf", "%q is not one of histogram, sumvec, sum", vdaf)
	}
	if length <= 0 {
		return Task{}, invalid(field+".length", "must be positive")
	}
	return Task{ID: taskID, VDAF: kind, Length: length}, nil
}

// validateDuration checks a duration given in seconds. It must cover at least
// one day and be a whole number of days.
func validateDuration(field string, seconds int64) (time.Duration, error) {
	const day = int64(24 * 60 * 60)
	if seconds < day {
		return 0, invalid(field, "%d seconds is shorter than one day", seconds)
	}
	if seconds%day != 0 {
		return 0, invalid(field, "%d seconds is not a whole number of days", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// ParseAdKey splits an ads map key of the form "source:id".
func ParseAdKey(key string) (string, int64, error) {
	source, idText, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, fmt.Errorf("ad key %q is missing ':' (expected source:id)", key)
	}
	if source == "" {
		return "", 0, fmt.Errorf("ad key %q has an empty source", key)
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("ad key %q: ad id %q is not an integer", key, idText)
	}
	return source, id, nil
}

var regionRE = regexp.MustCompile(`region\s+in\s+\[([^\]]+)\]`)

// CountryCodesFromTargeting extracts the region list from a targeting
// expression such as `region in ['US', "CA"]`. It returns nil when the
// expression does not restrict regions.
func CountryCodesFromTargeting(targeting string) []string {
	m := regionRE.FindStringSubmatch(targeting)
	if m == nil {
		return nil
	}
	var out []string
	for _, r := range strings.Split(m[1], ",") {
		r = strings.Trim(strings.TrimSpace(r), `'"`)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
