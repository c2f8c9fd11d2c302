package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var (
	ErrProvisionRejected = errors.New("workload submission rejected")
	ErrProvisionTimeout  = errors.New("workload did not become ready in time")
)

// Config carries the cluster-facing settings of the provisioner.
type Config struct {
	Namespace string
	Image     string
	// Host is the public hostname game clients connect to; the allocated
	// port is appended to it.
	Host string
	// Secret is handed to the workload so it can verify the same identity
	// tokens this service accepts.
	Secret       string
	PollInterval time.Duration
	PollAttempts int
}

// Provisioner creates game-server workloads in the cluster and waits for
// them to come up.
type Provisioner struct {
	client kubernetes.Interface
	cfg    Config
}

func NewProvisioner(client kubernetes.Interface, cfg Config) *Provisioner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	return &Provisioner{client: client, cfg: cfg}
}

// Provision submits a workload bound to port and polls until it reports
// running and ready, then returns the public address clients should join.
func (p *Provisioner) Provision(ctx context.Context, port int, ownerID string, memberIDs []string) (string, error) {
	name := WorkloadName(port)
	pod := p.descriptor(name, port, ownerID, memberIDs)

	if _, err := p.client.CoreV1().Pods(p.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvisionRejected, err)
	}
	slog.Info("workload submitted", "name", name, "port", port)

	for attempt := 0; attempt < p.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
		current, err := p.client.CoreV1().Pods(p.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			// transient read failures burn an attempt but are not fatal
			slog.Debug("workload status read failed", "name", name, "error", err)
			continue
		}
		if workloadReady(current) {
			return net.JoinHostPort(p.cfg.Host, strconv.Itoa(port)), nil
		}
	}
	return "", ErrProvisionTimeout
}

func (p *Provisioner) descriptor(name string, port int, ownerID string, memberIDs []string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.cfg.Namespace,
			Labels:    map[string]string{"app": "gameserver"},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "gameserver",
				Image: p.cfg.Image,
				Ports: []corev1.ContainerPort{{
					ContainerPort: int32(port),
					HostPort:      int32(port),
				}},
				Env: []corev1.EnvVar{
					{Name: "GAME_PORT", Value: strconv.Itoa(port)},
					{Name: "JWT_SECRET", Value: p.cfg.Secret},
					{Name: "OWNER_UUID", Value: ownerID},
					{Name: "ALLOWED_UUIDS", Value: strings.Join(memberIDs, ",")},
				},
			}},
		},
	}
}

// workloadReady reports whether the pod is running with every container
// ready.
func workloadReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	if len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}
