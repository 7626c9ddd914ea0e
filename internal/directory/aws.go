package directory

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

const (
	roleTagKey  = "portico:role"
	roleBastion = "bastion"
	tierTagKey  = "portico:tier"
)

// EC2Inventory queries EC2 for bastion candidates and target descriptors.
// Bastions are instances tagged portico:role=bastion; their capability tier
// comes from the portico:tier tag and defaults to basic, so an untagged host
// is never selected for tunneling.
type EC2Inventory struct {
	region string
}

func NewEC2Inventory(region string) (*EC2Inventory, error) {
	if strings.TrimSpace(region) == "" {
		return nil, fmt.Errorf("region is required")
	}
	return &EC2Inventory{region: region}, nil
}

func (inv *EC2Inventory) client(ctx context.Context) (*ec2.Client, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(inv.region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

func (inv *EC2Inventory) BastionInstances(ctx context.Context, networkID string) ([]model.MediatingHost, error) {
	client, err := inv.client(ctx)
	if err != nil {
		return nil, err
	}

	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + roleTagKey), Values: []string{roleBastion}},
			{Name: aws.String("vpc-id"), Values: []string{networkID}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}

	var out *ec2.DescribeInstancesOutput
	err = retryInventory(ctx, "describe_bastions", func(callCtx context.Context) error {
		var qErr error
		out, qErr = client.DescribeInstances(callCtx, input)
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("describe bastions: %w", err)
	}

	var hosts []model.MediatingHost
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			hosts = append(hosts, mapBastion(inst))
		}
	}
	return hosts, nil
}

func (inv *EC2Inventory) LookupTarget(ctx context.Context, id string) (model.RemoteTarget, error) {
	client, err := inv.client(ctx)
	if err != nil {
		return model.RemoteTarget{}, err
	}

	var out *ec2.DescribeInstancesOutput
	err = retryInventory(ctx, "describe_target", func(callCtx context.Context) error {
		var qErr error
		out, qErr = client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		return qErr
	})
	if err != nil {
		return model.RemoteTarget{}, fmt.Errorf("describe target: %w", err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return mapTarget(inst), nil
		}
	}
	return model.RemoteTarget{}, fmt.Errorf("instance %s not found", id)
}

func mapBastion(inst ec2types.Instance) model.MediatingHost {
	h := model.MediatingHost{
		ID:        aws.ToString(inst.InstanceId),
		Name:      tagValue(inst.Tags, "Name"),
		State:     hostStateFor(inst.State),
		Tier:      hostTierFor(inst.Tags),
		NetworkID: aws.ToString(inst.VpcId),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
	}
	return h
}

func mapTarget(inst ec2types.Instance) model.RemoteTarget {
	return model.RemoteTarget{
		ID:        aws.ToString(inst.InstanceId),
		Name:      tagValue(inst.Tags, "Name"),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
		PublicIP:  aws.ToString(inst.PublicIpAddress),
		NetworkID: aws.ToString(inst.VpcId),
		SubnetID:  aws.ToString(inst.SubnetId),
	}
}

func hostStateFor(state *ec2types.InstanceState) model.HostState {
	if state == nil {
		return model.HostFailed
	}
	switch state.Name {
	case ec2types.InstanceStateNamePending:
		return model.HostProvisioning
	case ec2types.InstanceStateNameRunning:
		return model.HostReady
	default:
		return model.HostFailed
	}
}

func hostTierFor(tags []ec2types.Tag) model.HostTier {
	switch strings.ToLower(tagValue(tags, tierTagKey)) {
	case string(model.TierStandard):
		return model.TierStandard
	default:
		return model.TierBasic
	}
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

// retryInventory retries transient inventory failures with capped, jittered
// exponential backoff. Three attempts at most; anything non-transient fails
// straight through.
func retryInventory(ctx context.Context, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 3
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			metrics.Default().IncCounter("portico_inventory_operations_total", map[string]string{"op": opName, "status": "ok"})
			return nil
		}
		lastErr = err
		if !isTransientInventoryError(err) {
			metrics.Default().IncCounter("portico_inventory_operations_total", map[string]string{"op": opName, "status": "error"})
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("portico_inventory_retry_exhausted_total", map[string]string{"op": opName})
			return err
		}
		metrics.Default().IncCounter("portico_inventory_retries_total", map[string]string{
			"op":     opName,
			"reason": inventoryErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=inventory_retry op=%s attempt=%d delay_ms=%d err=%q", opName, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientInventoryError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException":
		return true
	default:
		return false
	}
}

func inventoryErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
