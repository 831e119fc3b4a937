package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

const jobLogTail = 500

// RunJob creates a one-shot Job, waits for it to finish within spec.Timeout,
// collects its logs and deletes it.
func (g *KubeGateway) RunJob(ctx context.Context, spec JobSpec) (*JobResult, error) {
	if spec.Timeout <= 0 {
		return nil, fmt.Errorf("job %s: timeout is required", spec.Name)
	}

	labels := map[string]string{LabelManagedBy: ManagedByValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	backoff := int32(0)
	ttl := int32(300)
	deadline := int64(spec.Timeout / time.Second)
	if deadline < 1 {
		deadline = 1
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: spec.Name, Namespace: spec.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "job",
						Image:   spec.Image,
						Command: spec.Command,
						Args:    spec.Args,
					}},
				},
			},
		},
	}

	start := time.Now()
	jobs := g.kube.BatchV1().Jobs(spec.Namespace)
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{FieldManager: g.fieldManager}); err != nil {
		return nil, classify("create_job", spec.Namespace+"/"+spec.Name, err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		propagation := metav1.DeletePropagationBackground
		if err := jobs.Delete(cleanupCtx, spec.Name, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
			log.Debug().Err(err).Str("job", spec.Name).Msg("Failed to delete finished job")
		}
	}()

	var finished *batchv1.Job
	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()
	err := wait.PollUntilContextCancel(waitCtx, g.jobPollInterval, true, func(ctx context.Context) (bool, error) {
		current, err := jobs.Get(ctx, spec.Name, metav1.GetOptions{})
		if err != nil {
			return false, classify("get_job", spec.Namespace+"/"+spec.Name, err)
		}
		if current.Status.Succeeded > 0 || current.Status.Failed > 0 || jobConditionTrue(current, batchv1.JobFailed) {
			finished = current
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, classify("wait_job", spec.Namespace+"/"+spec.Name, err)
	}

	result := &JobResult{
		Succeeded: finished.Status.Succeeded > 0,
		Duration:  time.Since(start),
	}
	if !result.Succeeded {
		result.ExitCode = 1
	}

	pods, err := g.kube.CoreV1().Pods(spec.Namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + spec.Name})
	if err != nil {
		log.Warn().Err(err).Str("job", spec.Name).Msg("Failed to list job pods for logs")
		return result, nil
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				result.ExitCode = cs.State.Terminated.ExitCode
			}
		}
		logs, err := g.Logs(ctx, spec.Namespace, pod.Name, jobLogTail)
		if err != nil {
			log.Warn().Err(err).Str("pod", pod.Name).Msg("Failed to read job logs")
			continue
		}
		result.Logs += logs
	}
	return result, nil
}

func jobConditionTrue(job *batchv1.Job, condType batchv1.JobConditionType) bool {
	for _, cond := range job.Status.Conditions {
		if cond.Type == condType && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
