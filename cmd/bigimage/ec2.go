// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigimage/imageconfig"

	// Registered so that the written profile shows all defaults.
	_ "github.com/grailbio/base/config/aws"
)

// workerInstanceType is the EC2 instance type configured for worker
// machines. Transforms are CPU bound.
const workerInstanceType = "c5.2xlarge"

func setupEC2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigimage setup-ec2 [-securitygroup name]

Command setup-ec2 configures bigimage to run its worker nodes on AWS
EC2. It finds or creates a security group tagged "bigimage" in the
default VPC, and writes the resulting configuration to `, imageconfig.Path, `.
An existing configuration file is modified in place.

The security group allows all traffic within the default VPC, all
outbound traffic, and inbound SSH and HTTPS connections.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEC2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigimage setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigimage", "name of the security group to set up")
	)
	flags.Usage = func() { setupEC2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	if f, err := os.Open(imageconfig.Path); err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Printf("using configured security group %s", v)
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		id, err := ensureSecurityGroup(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("bigmachine/ec2system.security-group", id))
	}
	must.Nil(configureEC2(profile))

	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	tmp := imageconfig.Path + ".setup-ec2"
	must.Nil(os.MkdirAll(filepath.Dir(imageconfig.Path), 0777))
	must.Nil(ioutil.WriteFile(tmp, buf.Bytes(), 0666))
	must.Nil(os.Rename(tmp, imageconfig.Path))
	log.Printf("wrote configuration to %s", imageconfig.Path)
}

// configureEC2 points the bigimage instance at the EC2 system.
func configureEC2(profile *config.Profile) error {
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		if err := profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)); err != nil {
			return err
		}
	}
	if err := profile.Set("bigimage.system", "bigmachine/ec2system"); err != nil {
		return err
	}
	return profile.Set("bigmachine/ec2system.instance", workerInstanceType)
}

// ensureSecurityGroup returns the id of the named security group,
// creating it in the default VPC if it does not exist.
func ensureSecurityGroup(svc *ec2.EC2, name string) (string, error) {
	resp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("describe security group %s", name), err)
	}
	if len(resp.SecurityGroups) > 0 {
		id := aws.StringValue(resp.SecurityGroups[0].GroupId)
		log.Printf("found security group %s", id)
		return id, nil
	}
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	log.Printf("creating security group %s in VPC %s", name, aws.StringValue(vpc.VpcId))
	created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("bigimage worker nodes"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("create security group %s", name), err)
	}
	id := aws.StringValue(created.GroupId)
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName:     aws.String(name),
		IpPermissions: ingressRules(vpc.CidrBlock),
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorize ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String("bigimage-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String("bigimage")},
		},
	})
	if err != nil {
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s", id)
	return id, nil
}

func defaultVPC(svc *ec2.EC2) (*ec2.Vpc, error) {
	resp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return nil, errors.E("describe default VPC", err)
	}
	switch len(resp.Vpcs) {
	case 0:
		return nil, errors.E(errors.NotExist,
			"AWS account has no default VPC; see https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
		return resp.Vpcs[0], nil
	default:
		return nil, errors.E(errors.Invalid, "AWS account has multiple default VPCs")
	}
}

// ingressRules admits all traffic from within the VPC, and SSH and
// HTTPS (bigmachine) connections from anywhere.
func ingressRules(vpcCIDR *string) []*ec2.IpPermission {
	rules := []*ec2.IpPermission{{
		IpProtocol: aws.String("-1"),
		IpRanges:   []*ec2.IpRange{{CidrIp: vpcCIDR}},
		FromPort:   aws.Int64(0),
		ToPort:     aws.Int64(0),
	}}
	for _, port := range []int64{22, 443} {
		rules = append(rules, &ec2.IpPermission{
			IpProtocol: aws.String("tcp"),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		})
	}
	return rules
}
