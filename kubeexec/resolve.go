package kubeexec

import (
	"context"
	"fmt"

	"github.com/sshpod/sshpod/target"
)

// NoReadyPodError is returned when a Deployment or Job has no ready pod to
// connect to.
type NoReadyPodError struct {
	Kind      target.Kind
	Name      string
	Namespace string
}

func (e *NoReadyPodError) Error() string {
	return fmt.Sprintf("no ready pod backing %s %s/%s", e.Kind, e.Namespace, e.Name)
}

// ResolvePod turns a parsed target into one concrete pod and container.
// Deployments and Jobs resolve through their label selector to a ready
// replica; a pod named directly is used as-is. No exec session is opened.
func ResolvePod(ctx context.Context, tr Transport, t *target.Target) (*PodInfo, string, error) {
	namespace := t.Namespace
	if namespace == "" {
		namespace = tr.DefaultNamespace()
	}

	var pod *PodInfo
	switch t.Kind {
	case target.KindPod:
		p, err := tr.Pod(ctx, namespace, t.Name)
		if err != nil {
			return nil, "", err
		}
		pod = p

	default:
		pods, err := tr.BackingPods(ctx, namespace, t.Kind, t.Name)
		if err != nil {
			return nil, "", err
		}
		for i := range pods {
			if pods[i].Ready {
				pod = &pods[i]
				break
			}
		}
		if pod == nil {
			return nil, "", &NoReadyPodError{Kind: t.Kind, Name: t.Name, Namespace: namespace}
		}
	}

	container, err := chooseContainer(pod, t.Container)
	if err != nil {
		return nil, "", err
	}
	return pod, container, nil
}

func chooseContainer(pod *PodInfo, requested string) (string, error) {
	if requested != "" {
		for _, name := range pod.Containers {
			if name == requested {
				return name, nil
			}
		}
		return "", &target.MalformedError{
			Segment: "container--" + requested,
			Reason:  fmt.Sprintf("container not found in pod %s", pod.Name),
		}
	}

	switch len(pod.Containers) {
	case 0:
		return "", fmt.Errorf("pod %s has no containers", pod.Name)
	case 1:
		return pod.Containers[0], nil
	default:
		return "", &target.MalformedError{
			Segment: pod.Name,
			Reason:  "pod has multiple containers; add a container--<name> label to the hostname",
		}
	}
}
