package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	workloadPrefix = "gameserver-"
	workloadLabel  = "app=gameserver"
)

var ErrPortExhausted = errors.New("no free ports in the configured range")

// Allocator picks free ports out of a fixed inclusive range. The cluster
// is the authority for which ports are live (so restarts of this process
// lose nothing); the in-process reservation set only closes the window
// between claiming a port and the workload becoming visible in the
// cluster.
type Allocator struct {
	client    kubernetes.Interface
	namespace string
	low, high int

	mu       sync.Mutex
	reserved map[int]bool
}

func NewAllocator(client kubernetes.Interface, namespace string, low, high int) *Allocator {
	return &Allocator{
		client:    client,
		namespace: namespace,
		low:       low,
		high:      high,
		reserved:  map[int]bool{},
	}
}

// Allocate claims the smallest port in range that no live workload and no
// outstanding reservation holds.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	pods, err := a.client.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{LabelSelector: workloadLabel})
	if err != nil {
		return 0, fmt.Errorf("list workloads: %w", err)
	}
	used := map[int]bool{}
	for _, pod := range pods.Items {
		if port, ok := portFromName(pod.Name); ok {
			used[port] = true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.low; port <= a.high; port++ {
		if used[port] || a.reserved[port] {
			continue
		}
		a.reserved[port] = true
		return port, nil
	}
	return 0, ErrPortExhausted
}

// Release drops a reservation after failed provisioning. Once the workload
// exists in the cluster, releasing is harmless: the cluster listing keeps
// the port occupied.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// portFromName extracts the bound port from a workload name of the form
// gameserver-<port>.
func portFromName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, workloadPrefix)
	if !ok {
		return 0, false
	}
	port, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return port, true
}

// WorkloadName returns the cluster name for the workload bound to port.
func WorkloadName(port int) string {
	return workloadPrefix + strconv.Itoa(port)
}
