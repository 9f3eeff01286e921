package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
)

const securityGroupName = "wireguard-security_group"

// createSecurityGroup opens WireGuard UDP and SSH to the world over both
// address families.
func (b *Bootstrapper) createSecurityGroup(ctx context.Context, vpcID string) (string, error) {
	sg, err := b.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(securityGroupName),
		Description: aws.String("Allow WireGuard and SSH (IPv4 + IPv6)"),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		return "", fmt.Errorf("creating security group: %w", err)
	}
	sgID := aws.ToString(sg.GroupId)

	anyV4 := []types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}
	anyV6 := []types.Ipv6Range{{CidrIpv6: aws.String("::/0")}}
	if _, err := b.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(sgID),
		IpPermissions: []types.IpPermission{
			{
				IpProtocol: aws.String("udp"),
				FromPort:   aws.Int32(51820),
				ToPort:     aws.Int32(51820),
				IpRanges:   anyV4,
				Ipv6Ranges: anyV6,
			},
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(22),
				ToPort:     aws.Int32(22),
				IpRanges:   anyV4,
				Ipv6Ranges: anyV6,
			},
		},
	}); err != nil {
		return "", fmt.Errorf("authorizing ingress on %s: %w", sgID, err)
	}
	return sgID, nil
}

// importKeyPair uploads the shared SSH public key, tolerating a key left
// behind by an earlier bootstrap.
func (b *Bootstrapper) importKeyPair(ctx context.Context, keyName, publicKeyMaterial string) error {
	_, err := b.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(keyName),
		PublicKeyMaterial: []byte(publicKeyMaterial),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidKeyPair.Duplicate" {
			clog.FromContext(ctx).Info("key pair already imported", "key", keyName)
			return nil
		}
		return fmt.Errorf("importing key pair %s: %w", keyName, err)
	}
	return nil
}
