package cloudvm

import (
	"fmt"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
)

type resourceNames struct {
	vm, nsg, vnet, subnet, ip, nic string
}

func namesFor(instance string) resourceNames {
	return resourceNames{
		vm:     instance,
		nsg:    instance + "-nsg",
		vnet:   instance + "-vnet",
		subnet: "default",
		ip:     instance + "-ip",
		nic:    instance + "-nic",
	}
}

func (c *Connector) resourceID(provider, kind, name string) *string {
	return to.Ptr(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s/%s",
		c.cfg.SubscriptionID, c.cfg.ResourceGroup, provider, kind, name))
}

func jobTags(jobID, profile string) map[string]*string {
	return map[string]*string{
		"detonator-job":     to.Ptr(jobID),
		"detonator-profile": to.Ptr(profile),
	}
}

func (c *Connector) securityGroup(tags map[string]*string) armnetwork.SecurityGroup {
	rules := []*armnetwork.SecurityRule{
		c.inboundRule("allow-agent", 100, c.profile.AgentPort),
	}
	if c.profile.TracePort > 0 {
		rules = append(rules, c.inboundRule("allow-trace", 110, c.profile.TracePort))
	}
	return armnetwork.SecurityGroup{
		Location:   to.Ptr(c.cfg.Location),
		Tags:       tags,
		Properties: &armnetwork.SecurityGroupPropertiesFormat{SecurityRules: rules},
	}
}

func (c *Connector) inboundRule(name string, priority int32, port int) *armnetwork.SecurityRule {
	return &armnetwork.SecurityRule{
		Name: to.Ptr(name),
		Properties: &armnetwork.SecurityRulePropertiesFormat{
			Priority:                 to.Ptr(priority),
			Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
			Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
			Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
			SourceAddressPrefix:      to.Ptr(c.cfg.AllowedSource),
			SourcePortRange:          to.Ptr("*"),
			DestinationAddressPrefix: to.Ptr("*"),
			DestinationPortRange:     to.Ptr(strconv.Itoa(port)),
		},
	}
}

func (c *Connector) virtualNetwork(n resourceNames, tags map[string]*string) armnetwork.VirtualNetwork {
	return armnetwork.VirtualNetwork{
		Location: to.Ptr(c.cfg.Location),
		Tags:     tags,
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &armnetwork.AddressSpace{AddressPrefixes: []*string{to.Ptr(c.cfg.AddressSpace)}},
			Subnets: []*armnetwork.Subnet{{
				Name: to.Ptr(n.subnet),
				Properties: &armnetwork.SubnetPropertiesFormat{
					AddressPrefix: to.Ptr(c.cfg.SubnetPrefix),
					NetworkSecurityGroup: &armnetwork.SecurityGroup{
						ID: c.resourceID("Microsoft.Network", "networkSecurityGroups", n.nsg),
					},
				},
			}},
		},
	}
}

func (c *Connector) publicIP(tags map[string]*string) armnetwork.PublicIPAddress {
	return armnetwork.PublicIPAddress{
		Location: to.Ptr(c.cfg.Location),
		Tags:     tags,
		SKU:      &armnetwork.PublicIPAddressSKU{Name: to.Ptr(armnetwork.PublicIPAddressSKUNameStandard)},
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
			PublicIPAddressVersion:   to.Ptr(armnetwork.IPVersionIPv4),
		},
	}
}

func (c *Connector) networkInterface(n resourceNames, tags map[string]*string) armnetwork.Interface {
	subnetID := *c.resourceID("Microsoft.Network", "virtualNetworks", n.vnet) + "/subnets/" + n.subnet
	return armnetwork.Interface{
		Location: to.Ptr(c.cfg.Location),
		Tags:     tags,
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnetID)},
					PublicIPAddress: &armnetwork.PublicIPAddress{
						ID: c.resourceID("Microsoft.Network", "publicIPAddresses", n.ip),
					},
				},
			}},
		},
	}
}

func (c *Connector) imageReference() *armcompute.ImageReference {
	if c.cfg.ImageID != "" {
		return &armcompute.ImageReference{ID: to.Ptr(c.cfg.ImageID)}
	}
	version := c.cfg.ImageVersion
	if version == "" {
		version = "latest"
	}
	return &armcompute.ImageReference{
		Publisher: to.Ptr(c.cfg.ImagePublisher),
		Offer:     to.Ptr(c.cfg.ImageOffer),
		SKU:       to.Ptr(c.cfg.ImageSKU),
		Version:   to.Ptr(version),
	}
}

// virtualMachine attaches disk and NIC with delete options so a VM delete
// takes them along.
func (c *Connector) virtualMachine(n resourceNames, tags map[string]*string) armcompute.VirtualMachine {
	computerName := n.vm
	// Windows computer names are limited to 15 characters.
	if len(computerName) > 15 {
		computerName = computerName[:15]
	}
	return armcompute.VirtualMachine{
		Location: to.Ptr(c.cfg.Location),
		Tags:     tags,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(c.cfg.VMSize)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: c.imageReference(),
				OSDisk: &armcompute.OSDisk{
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					DeleteOption: to.Ptr(armcompute.DiskDeleteOptionTypesDelete),
					ManagedDisk: &armcompute.ManagedDiskParameters{
						StorageAccountType: to.Ptr(armcompute.StorageAccountTypesStandardSSDLRS),
					},
				},
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(computerName),
				AdminUsername: to.Ptr(c.cfg.AdminUsername),
				AdminPassword: to.Ptr(c.profile.Password),
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: c.resourceID("Microsoft.Network", "networkInterfaces", n.nic),
					Properties: &armcompute.NetworkInterfaceReferenceProperties{
						Primary:      to.Ptr(true),
						DeleteOption: to.Ptr(armcompute.DeleteOptionsDelete),
					},
				}},
			},
		},
	}
}
