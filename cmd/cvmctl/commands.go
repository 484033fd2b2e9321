package main

import (
	"fmt"

	"github.com/noirvisor/cvm-core"
	"github.com/noirvisor/cvm-core/internal/pagealloc"
	"github.com/noirvisor/cvm-core/pkg/asidpool"
	"github.com/noirvisor/cvm-core/pkg/rmt"
	"github.com/urfave/cli"
)

// hypervisorPrivateBase is where the demo session's hypervisor-private
// allocator (VMCB, NPT tables) starts handing out pages, kept far above
// any guest RAM address so the two address spaces never alias under the
// NPT's GPA==HPA identity-map convention.
const hypervisorPrivateBase = 1 << 40

// demoCallerRIP stands in for the layered hypervisor's own VMMCALL site;
// the demo session's image range covers all addresses so any value works,
// but a hypercall call site still has to supply one (spec.md §4.7).
const demoCallerRIP = 0

// demoSession wires one disposable VM + Engine the way a layered
// hypervisor would at boot, since this core carries no persisted state
// across process invocations (spec.md §6).
type demoSession struct {
	alloc *pagealloc.Allocator // guest RAM
	asid  *asidpool.Pool
	table *rmt.Table
	vm    *cvm.VM
	eng   *cvm.Engine
}

func newDemoSession(mappings int) (*demoSession, error) {
	priv := pagealloc.New(hypervisorPrivateBase)
	guest := pagealloc.New(0)
	asid := asidpool.New(16, 256)
	table := rmt.New()

	vm, err := cvm.CreateVM(cvm.VMConfig{TotalMappings: mappings}, priv, guest, asid, table)
	if err != nil {
		return nil, err
	}
	hw := cvm.NewSoftwareAdapter(0)
	eng := cvm.NewEngine(vm, table, hw, 0, 0xFFFFFFFFFFFFFFFF)
	return &demoSession{alloc: guest, asid: asid, table: table, vm: vm, eng: eng}, nil
}

var createVMCommand = cli.Command{
	Name:  "create-vm",
	Usage: "create a VM with one NPT mapping and report its footprint",
	Action: func(c *cli.Context) error {
		sess, err := newDemoSession(1)
		if err != nil {
			return err
		}
		fmt.Printf("created VM with %d mapping(s), footprint %s\n",
			sess.vm.MappingCount(), cvm.FormatFootprint(sess.vm.FootprintBytes()))
		return nil
	},
}

var createVCPUCommand = cli.Command{
	Name:  "create-vcpu",
	Usage: "create vCPU 0 in a fresh demo VM and initialize its VMCB",
	Action: func(c *cli.Context) error {
		sess, err := newDemoSession(1)
		if err != nil {
			return err
		}
		cvcpu, err := sess.vm.CreateVCPU(0)
		if err != nil {
			return err
		}
		if err := sess.eng.InitCustomVMCB(demoCallerRIP, cvcpu); err != nil {
			return err
		}
		fmt.Println("vcpu 0 created and initialized")
		return nil
	},
}

var runCommand = cli.Command{
	Name:  "run",
	Usage: "run the create-and-run HLT scenario (spec scenario 1) and print the exit",
	Action: func(c *cli.Context) error {
		sess, err := newDemoSession(1)
		if err != nil {
			return err
		}
		cvcpu, err := sess.vm.CreateVCPU(0)
		if err != nil {
			return err
		}
		if err := sess.eng.InitCustomVMCB(demoCallerRIP, cvcpu); err != nil {
			return err
		}
		page, err := sess.vm.AllocGuestPage()
		if err != nil {
			return err
		}
		if page.HPA != 0 {
			return fmt.Errorf("cvmctl: expected first guest page at gpa 0x0, got %#x", page.HPA)
		}
		page.Bytes[0] = 0xF4 // HLT, at gpa 0x0

		ec, herr := sess.eng.RunVCPU(demoCallerRIP, cvcpu)
		if herr != nil {
			return herr
		}
		fmt.Printf("exit: %s rip=%#x\n", ec.Code, ec.RIP)
		return nil
	},
}

var dumpCommand = cli.Command{
	Name:  "dump",
	Usage: "dump vcpu 0's VMCB into its logical view",
	Action: func(c *cli.Context) error {
		sess, err := newDemoSession(1)
		if err != nil {
			return err
		}
		cvcpu, err := sess.vm.CreateVCPU(0)
		if err != nil {
			return err
		}
		if err := sess.eng.DumpVCPUVMCB(demoCallerRIP, cvcpu); err != nil {
			return err
		}
		fmt.Printf("rip=%#x rflags=%#x\n", cvcpu.Logical.RIP, cvcpu.Logical.RFLAGS)
		return nil
	},
}

var rescindCommand = cli.Command{
	Name:  "rescind",
	Usage: "rescind vcpu 0 and show the next run_vcpu call short-circuiting",
	Action: func(c *cli.Context) error {
		sess, err := newDemoSession(1)
		if err != nil {
			return err
		}
		cvcpu, err := sess.vm.CreateVCPU(0)
		if err != nil {
			return err
		}
		if err := sess.eng.InitCustomVMCB(demoCallerRIP, cvcpu); err != nil {
			return err
		}
		if err := sess.eng.RescindVCPU(cvcpu); err != nil {
			return err
		}
		ec, herr := sess.eng.RunVCPU(demoCallerRIP, cvcpu)
		if herr != nil {
			return herr
		}
		fmt.Printf("exit: %s\n", ec.Code)
		return nil
	},
}

var reassignCommand = cli.Command{
	Name:  "reassign",
	Usage: "reassign a page's ownership to secure-guest and show the resulting permissions",
	Action: func(c *cli.Context) error {
		sess, err := newDemoSession(1)
		if err != nil {
			return err
		}
		page, err := sess.alloc.Alloc()
		if err != nil {
			return err
		}
		ctx := cvm.ReassignmentContext{
			HPAs:      []uint64{page.HPA},
			GPAs:      []uint64{0x1000},
			ASID:      sess.vm.MappingASID(0),
			Ownership: rmt.SecureGuest,
		}
		if err := sess.eng.NSVReassignRMT(demoCallerRIP, ctx); err != nil {
			return err
		}
		if err := sess.eng.NSVRemapByRMT(demoCallerRIP, cvm.RemapContext{HPAs: ctx.HPAs}); err != nil {
			return err
		}
		r, w, x := sess.table.PermissionsFor(page.HPA)
		fmt.Printf("hpa=%#x r=%v w=%v x=%v\n", page.HPA, r, w, x)
		return nil
	},
}
