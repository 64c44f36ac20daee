package grading

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
)

var (
	DefaultSourceHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}
	DefaultDeployHosts = []string{"herokuapp.com", "now.sh", "vercel.app", "netlify.app"}
)

const detailUnreachable = "deployment unreachable"

// Engine grades a submission by checking URL shapes and the deployment's liveness.
// It keeps no state between calls; every Grade call probes again.
type Engine struct {
	prober      Prober
	sourceHosts []string
	deployHosts []string
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewEngine builds an engine. Empty host lists fall back to the defaults; m may be nil.
func NewEngine(prober Prober, sourceHosts, deployHosts []string, m *metrics.Metrics) *Engine {
	if len(sourceHosts) == 0 {
		sourceHosts = DefaultSourceHosts
	}
	if len(deployHosts) == 0 {
		deployHosts = DefaultDeployHosts
	}
	return &Engine{
		prober:      prober,
		sourceHosts: normalizeHosts(sourceHosts),
		deployHosts: normalizeHosts(deployHosts),
		metrics:     m,
		now:         time.Now,
	}
}

func (e *Engine) Grade(ctx context.Context, sub Submission) Result {
	res := e.grade(ctx, sub)
	if e.metrics != nil {
		e.metrics.Gradings.WithLabelValues(string(res.Status)).Inc()
	}
	return res
}

func (e *Engine) grade(ctx context.Context, sub Submission) Result {
	src := strings.TrimSpace(sub.SourceURL)
	dep := strings.TrimSpace(sub.DeployedURL)
	res := Result{SourceURL: src, DeployedURL: dep, Error: true}

	switch {
	case src == "" || dep == "":
		res.Status = StatusMissingFields
		res.StatusDetail = "both the source repository URL and the deployed URL are required"
	case !hostAllowed(src, e.sourceHosts):
		res.Status = StatusInvalidSourceURL
		res.StatusDetail = "source URL must point to " + strings.Join(e.sourceHosts, ", ")
	case !hostAllowed(dep, e.deployHosts):
		res.Status = StatusInvalidDeployedURL
		res.StatusDetail = "deployed URL must point to " + strings.Join(e.deployHosts, ", ")
	}
	if res.Status != "" {
		res.CheckedAt = e.now()
		return res
	}

	start := time.Now()
	code, err := e.prober.Probe(ctx, dep)
	if e.metrics != nil {
		e.metrics.ProbeLatency.Observe(time.Since(start).Seconds())
	}
	res.CheckedAt = e.now()
	res.HTTPStatus = code
	if err != nil || code < 200 || code > 299 {
		logger.Debug("grading: probe %s failed status=%d err=%v", dep, code, err)
		res.Status = StatusDeploymentUnreachable
		res.StatusDetail = detailUnreachable
		return res
	}

	grade := PassGrade
	res.Error = false
	res.Grade = &grade
	res.Status = StatusOK
	res.StatusDetail = "deployment reachable"
	return res
}

// hostAllowed accepts http(s) URLs whose host equals or is a subdomain of one of hosts.
func hostAllowed(raw string, hosts []string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	h := strings.ToLower(u.Hostname())
	if h == "" {
		return false
	}
	for _, allowed := range hosts {
		if h == allowed || strings.HasSuffix(h, "."+allowed) {
			return true
		}
	}
	return false
}

func normalizeHosts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, strings.TrimPrefix(h, "."))
		}
	}
	return out
}
