// Command usbdemo runs a composite CDC-ACM + MSC device on the
// simulated bus and drives it from a host-side loop, demonstrating
// enumeration, serial echo, and block device round trips without
// hardware.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/picodev/usb/device"
	"github.com/picodev/usb/device/class/cdc"
	"github.com/picodev/usb/device/class/msc"
	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/device/hal/mem"
	"github.com/picodev/usb/device/msos"
	"github.com/picodev/usb/pkg"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "usbdemo",
		Short: "Drive a simulated USB device stack from the host side",
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				pkg.SetLogLevel(slog.LevelDebug)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(enumerateCmd())
	root.AddCommand(serialCmd())
	root.AddCommand(diskCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// testbed is the assembled device plus the host side of the bus.
type testbed struct {
	hal  *mem.HAL
	dev  *device.Device
	ctrl *device.Controller
	acm  *cdc.ACM
	disk *msc.MSC
}

// ramDisk is the MSC storage backend used by the demo.
type ramDisk struct {
	blocks [][msc.BlockSize]byte
}

func newRAMDisk(blocks int) *ramDisk {
	return &ramDisk{blocks: make([][msc.BlockSize]byte, blocks)}
}

func (r *ramDisk) read(buf []byte, lba uint32) error {
	if int(lba) >= len(r.blocks) {
		return errors.New("lba out of range")
	}
	copy(buf, r.blocks[lba][:])
	return nil
}

func (r *ramDisk) write(buf []byte, lba uint32) error {
	if int(lba) >= len(r.blocks) {
		return errors.New("lba out of range")
	}
	copy(r.blocks[lba][:], buf)
	return nil
}

// buildTestbed constructs the composite device on a simulated bus.
func buildTestbed(diskBlocks int) (*testbed, error) {
	h := mem.New()
	dev := device.NewDevice(&device.DeviceDescriptor{
		USBVersion:    0x0200,
		DeviceClass:   device.ClassMisc,
		DeviceVersion: 0x0100,
		VendorID:      0xCAFE,
		ProductID:     0x4005,
	})
	dev.SetManufacturer("picodev")
	dev.SetProduct("usbdemo composite")
	dev.SetSerialNumber("0001")

	ctrl, err := device.NewController(h, dev)
	if err != nil {
		return nil, err
	}
	conf, err := device.NewConfiguration(dev, 1)
	if err != nil {
		return nil, err
	}

	acm, err := cdc.NewACM(ctrl, conf, 0)
	if err != nil {
		return nil, err
	}
	disk, err := msc.NewMSC(ctrl, conf)
	if err != nil {
		return nil, err
	}
	storage := newRAMDisk(diskBlocks)
	disk.SetVendorID("picodev")
	disk.SetProductID("usbdemo disk")
	disk.SetProductRev("1.0")
	disk.SetReadHandler(storage.read)
	disk.SetWriteHandler(storage.write)
	disk.SetCapacityHandler(func() (uint16, uint32) {
		return msc.BlockSize, uint32(diskBlocks)
	})
	disk.SetIsWritableHandler(func() bool { return true })

	if _, err := msos.NewCompatDescriptor(ctrl, dev, disk.Interface().Number,
		"example.com"); err != nil {
		return nil, err
	}

	ctrl.PullupEnable(true)
	return &testbed{hal: h, dev: dev, ctrl: ctrl, acm: acm, disk: disk}, nil
}

// enumerate performs the host-side enumeration sequence.
func (t *testbed) enumerate() error {
	var pkt hal.SetupPacket

	device.GetSetAddressSetup(toDevicePacket(&pkt), 5)
	if err := t.hal.ControlWrite(&pkt, nil); err != nil {
		return fmt.Errorf("set address: %w", err)
	}

	device.GetSetConfigurationSetup(toDevicePacket(&pkt), 1)
	if err := t.hal.ControlWrite(&pkt, nil); err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}
	return nil
}

// toDevicePacket lets the device-side setup constructors fill a HAL
// packet; the two structs are layout-identical.
func toDevicePacket(pkt *hal.SetupPacket) *device.SetupPacket {
	return (*device.SetupPacket)(pkt)
}

// retryNAK retries fn while the endpoint NAKs, with a deadline.
func retryNAK(fn func() error) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := fn()
		if err != pkg.ErrNAK {
			return err
		}
		if time.Now().After(deadline) {
			return pkg.ErrTimeout
		}
		time.Sleep(10 * time.Microsecond)
	}
}

func enumerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enumerate",
		Short: "Enumerate the device and dump its descriptors",
		RunE: func(*cobra.Command, []string) error {
			t, err := buildTestbed(64)
			if err != nil {
				return err
			}
			if err := t.enumerate(); err != nil {
				return err
			}

			var pkt hal.SetupPacket
			device.GetDescriptorSetup(toDevicePacket(&pkt), device.DescriptorTypeDevice, 0, 18)
			desc, err := t.hal.ControlRead(&pkt)
			if err != nil {
				return fmt.Errorf("device descriptor: %w", err)
			}
			fmt.Printf("device descriptor:  % X\n", desc)

			device.GetDescriptorSetup(toDevicePacket(&pkt), device.DescriptorTypeConfiguration, 0, 9)
			header, err := t.hal.ControlRead(&pkt)
			if err != nil {
				return fmt.Errorf("configuration header: %w", err)
			}
			total := binary.LittleEndian.Uint16(header[2:4])

			device.GetDescriptorSetup(toDevicePacket(&pkt), device.DescriptorTypeConfiguration, 0, total)
			full, err := t.hal.ControlRead(&pkt)
			if err != nil {
				return fmt.Errorf("configuration descriptor: %w", err)
			}
			fmt.Printf("configuration (%d B): % X\n", total, full)

			for idx := uint8(0); idx < 4; idx++ {
				device.GetDescriptorSetup(toDevicePacket(&pkt), device.DescriptorTypeString, idx, 255)
				s, err := t.hal.ControlRead(&pkt)
				if err != nil {
					break
				}
				fmt.Printf("string %d:           % X\n", idx, s)
			}

			device.GetDescriptorSetup(toDevicePacket(&pkt), device.DescriptorTypeBOS, 0, 255)
			bos, err := t.hal.ControlRead(&pkt)
			if err == nil {
				fmt.Printf("BOS:                % X\n", bos)
			}

			fmt.Printf("committed address:  %d\n", t.hal.Address())
			return nil
		},
	}
}

func serialCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Round-trip data through the CDC-ACM echo device",
		RunE: func(*cobra.Command, []string) error {
			t, err := buildTestbed(64)
			if err != nil {
				return err
			}
			if err := t.enumerate(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			g, ctx := errgroup.WithContext(ctx)

			// Device-side echo loop.
			g.Go(func() error {
				buf := make([]byte, 64)
				for {
					select {
					case <-ctx.Done():
						return nil
					default:
					}
					n, _ := t.acm.Read(buf)
					if n > 0 {
						t.acm.Write(buf[:n])
					} else {
						time.Sleep(10 * time.Microsecond)
					}
				}
			})

			// Host side: write the message, read the echo.
			g.Go(func() error {
				defer cancel()
				payload := []byte(message)
				for offset := 0; offset < len(payload); offset += 64 {
					end := offset + 64
					if end > len(payload) {
						end = len(payload)
					}
					chunk := payload[offset:end]
					if err := retryNAK(func() error {
						return t.hal.WriteOut(0x01, chunk)
					}); err != nil {
						return fmt.Errorf("bulk out: %w", err)
					}
				}

				var echo []byte
				deadline := time.Now().Add(2 * time.Second)
				for len(echo) < len(payload) {
					data, _, err := t.hal.ReadIn(0x82)
					if err == pkg.ErrNAK {
						if time.Now().After(deadline) {
							return pkg.ErrTimeout
						}
						time.Sleep(10 * time.Microsecond)
						continue
					}
					if err != nil {
						return fmt.Errorf("bulk in: %w", err)
					}
					echo = append(echo, data...)
				}
				fmt.Printf("sent:   %q\n", message)
				fmt.Printf("echoed: %q\n", string(echo))
				return nil
			})

			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "hello from the wire", "payload to echo")
	return cmd
}

func diskCmd() *cobra.Command {
	var blocks int
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "Exercise the MSC block device: inquiry, write, read back",
		RunE: func(*cobra.Command, []string) error {
			t, err := buildTestbed(blocks)
			if err != nil {
				return err
			}
			if err := t.enumerate(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			g, ctx := errgroup.WithContext(ctx)

			// Foreground poll loop of the BOT state machine.
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					default:
					}
					t.disk.HandleRequest()
					time.Sleep(time.Microsecond)
				}
			})

			g.Go(func() error {
				defer cancel()

				inquiry, csw, err := t.scsiIn(1, 0x12, 36, nil)
				if err != nil {
					return fmt.Errorf("inquiry: %w", err)
				}
				fmt.Printf("inquiry:  %q (status %d)\n", string(inquiry[8:36]), csw.Status)

				capacity, csw, err := t.scsiIn(2, 0x25, 8, nil)
				if err != nil {
					return fmt.Errorf("read capacity: %w", err)
				}
				lastLBA := binary.BigEndian.Uint32(capacity[0:4])
				blockLen := binary.BigEndian.Uint32(capacity[4:8])
				fmt.Printf("capacity: %d blocks of %d B (status %d)\n",
					lastLBA+1, blockLen, csw.Status)

				// Write one block, read it back.
				payload := make([]byte, msc.BlockSize)
				copy(payload, "usbdemo block payload")
				csw, err = t.scsiWrite(3, 7, payload)
				if err != nil {
					return fmt.Errorf("write: %w", err)
				}
				fmt.Printf("write:    LBA 7 (status %d)\n", csw.Status)

				data, csw, err := t.scsiRead(4, 7, 1)
				if err != nil {
					return fmt.Errorf("read: %w", err)
				}
				fmt.Printf("read:     LBA 7 -> %q (status %d)\n",
					string(data[:21]), csw.Status)
				return nil
			})

			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&blocks, "blocks", 64, "RAM disk size in blocks")
	return cmd
}

// sendCBW writes a Command Block Wrapper to the bulk OUT endpoint.
func (t *testbed) sendCBW(tag, dataLen uint32, flags uint8, cb []byte) error {
	cbw := msc.CommandBlockWrapper{
		Signature:          msc.CBWSignature,
		Tag:                tag,
		DataTransferLength: dataLen,
		Flags:              flags,
		CBLength:           uint8(len(cb)),
	}
	copy(cbw.CB[:], cb)
	var buf [msc.CBWSize]byte
	cbw.MarshalTo(buf[:])
	return retryNAK(func() error {
		return t.hal.WriteOut(0x02, buf[:])
	})
}

// readBulkIn collects exactly n bytes from the MSC bulk IN endpoint.
func (t *testbed) readBulkIn(n int) ([]byte, error) {
	var out []byte
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n {
		data, _, err := t.hal.ReadIn(0x83)
		if err == pkg.ErrNAK {
			if time.Now().After(deadline) {
				return out, pkg.ErrTimeout
			}
			time.Sleep(10 * time.Microsecond)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// readCSW collects and parses the Command Status Wrapper.
func (t *testbed) readCSW() (*msc.CommandStatusWrapper, error) {
	raw, err := t.readBulkIn(msc.CSWSize)
	if err != nil {
		return nil, err
	}
	var csw msc.CommandStatusWrapper
	if !msc.ParseCSW(raw, &csw) {
		return nil, errors.New("bad CSW")
	}
	return &csw, nil
}

// scsiIn runs a device-to-host SCSI command and returns its data.
func (t *testbed) scsiIn(tag uint32, opcode uint8, dataLen int, extra []byte) ([]byte, *msc.CommandStatusWrapper, error) {
	cb := make([]byte, 6)
	cb[0] = opcode
	cb[4] = uint8(dataLen)
	copy(cb[1:], extra)
	if err := t.sendCBW(tag, uint32(dataLen), msc.CBWFlagDataIn, cb); err != nil {
		return nil, nil, err
	}
	data, err := t.readBulkIn(dataLen)
	if err != nil {
		return nil, nil, err
	}
	csw, err := t.readCSW()
	return data, csw, err
}

// scsiRead runs READ(10) and returns the block data.
func (t *testbed) scsiRead(tag, lba uint32, blocks uint16) ([]byte, *msc.CommandStatusWrapper, error) {
	cb := make([]byte, 10)
	cb[0] = 0x28
	binary.BigEndian.PutUint32(cb[2:6], lba)
	binary.BigEndian.PutUint16(cb[7:9], blocks)
	dataLen := int(blocks) * msc.BlockSize
	if err := t.sendCBW(tag, uint32(dataLen), msc.CBWFlagDataIn, cb); err != nil {
		return nil, nil, err
	}
	data, err := t.readBulkIn(dataLen)
	if err != nil {
		return nil, nil, err
	}
	csw, err := t.readCSW()
	return data, csw, err
}

// scsiWrite runs WRITE(10) with one or more blocks of payload.
func (t *testbed) scsiWrite(tag, lba uint32, payload []byte) (*msc.CommandStatusWrapper, error) {
	blocks := uint16(len(payload) / msc.BlockSize)
	cb := make([]byte, 10)
	cb[0] = 0x2A
	binary.BigEndian.PutUint32(cb[2:6], lba)
	binary.BigEndian.PutUint16(cb[7:9], blocks)
	if err := t.sendCBW(tag, uint32(len(payload)), msc.CBWFlagDataOut, cb); err != nil {
		return nil, err
	}
	for offset := 0; offset < len(payload); offset += 64 {
		end := offset + 64
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[offset:end]
		if err := retryNAK(func() error {
			return t.hal.WriteOut(0x02, chunk)
		}); err != nil {
			return nil, err
		}
	}
	return t.readCSW()
}
