package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// maxWorkgroupsPerDim is the WebGPU default limit for a single dispatch axis.
const maxWorkgroupsPerDim = 65535

var (
	matmulMu      sync.Mutex
	matmulKernel  *MatMulKernel
	workgroupSize uint32 = 256
)

// SetWorkgroupSize changes the 1D workgroup size used by MatMul. Values
// that are zero are ignored. The next MatMul call recompiles the kernel.
func SetWorkgroupSize(n uint32) {
	if n == 0 {
		return
	}
	matmulMu.Lock()
	defer matmulMu.Unlock()
	if n != workgroupSize {
		workgroupSize = n
		matmulKernel = nil
	}
}

// WorkgroupSize returns the workgroup size MatMul compiles with.
func WorkgroupSize() uint32 {
	matmulMu.Lock()
	defer matmulMu.Unlock()
	return workgroupSize
}

// MatMulKernel is a compiled row-major matrix multiply: C[m,n] = A[m,k] @ B[k,n].
// Dimensions travel in a uniform buffer so one pipeline serves every shape.
type MatMulKernel struct {
	WorkgroupSize uint32

	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

// GenerateShader returns the WGSL source for the kernel.
func (k *MatMulKernel) GenerateShader() string {
	return fmt.Sprintf(`
		struct Dims {
			m : u32,
			k : u32,
			n : u32,
			stride : u32,
		};

		@group(0) @binding(0) var<storage, read> a : array<f32>;
		@group(0) @binding(1) var<storage, read> b : array<f32>;
		@group(0) @binding(2) var<storage, read_write> c : array<f32>;
		@group(0) @binding(3) var<uniform> dims : Dims;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x + gid.y * dims.stride;
			if (idx >= dims.m * dims.n) {
				return;
			}

			let row = idx / dims.n;
			let col = idx %% dims.n;

			var sum: f32 = 0.0;
			for (var i: u32 = 0u; i < dims.k; i++) {
				sum += a[row * dims.k + i] * b[i * dims.n + col];
			}
			c[idx] = sum;
		}
	`, k.WorkgroupSize)
}

// Compile builds the shader module, bind group layout and pipeline.
func (k *MatMulKernel) Compile(ctx *Context) error {
	module, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "MatMul_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: k.GenerateShader()},
	})
	if err != nil {
		return fmt.Errorf("shader compile: %w", err)
	}
	defer module.Release()

	k.bindGroupLayout, err = ctx.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "MatMul_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}}, // A
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}}, // B
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},         // C
			{Binding: 3, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}},         // dims
		},
	})
	if err != nil {
		return fmt.Errorf("create bgl: %w", err)
	}

	pipelineLayout, err := ctx.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "MatMul_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{k.bindGroupLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}

	k.pipeline, err = ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "MatMul_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline create: %w", err)
	}
	return nil
}

// DispatchDims splits total invocations into a 2D grid of workgroups so
// neither axis exceeds maxPerDim. stride is the invocation count of one
// grid row, which the shader uses to rebuild the flat index.
func DispatchDims(total, wgSize, maxPerDim uint32) (x, y, stride uint32) {
	groups := (total + wgSize - 1) / wgSize
	if groups == 0 {
		groups = 1
	}
	x = groups
	y = 1
	if groups > maxPerDim {
		x = maxPerDim
		y = (groups + maxPerDim - 1) / maxPerDim
	}
	return x, y, x * wgSize
}

func getMatMulKernel(ctx *Context) (*MatMulKernel, error) {
	if matmulKernel != nil {
		return matmulKernel, nil
	}
	k := &MatMulKernel{WorkgroupSize: workgroupSize}
	if err := k.Compile(ctx); err != nil {
		return nil, err
	}
	matmulKernel = k
	return k, nil
}

// MatMul multiplies row-major a: [m,k] by b: [k,n] on the GPU.
func MatMul(a, b []float32, m, k, n int) ([]float32, error) {
	if len(a) != m*k || len(b) != k*n {
		return nil, fmt.Errorf("matmul: got %d and %d elements for [%d,%d]@[%d,%d]", len(a), len(b), m, k, k, n)
	}
	if m == 0 || n == 0 {
		return []float32{}, nil
	}
	if k == 0 {
		return make([]float32, m*n), nil
	}

	ctx, err := GetContext()
	if err != nil {
		return nil, err
	}

	matmulMu.Lock()
	defer matmulMu.Unlock()

	kernel, err := getMatMulKernel(ctx)
	if err != nil {
		return nil, err
	}

	aBuf, err := NewFloatBuffer(a, wgpu.BufferUsageStorage)
	if err != nil {
		return nil, fmt.Errorf("a buf: %w", err)
	}
	defer aBuf.Destroy()

	bBuf, err := NewFloatBuffer(b, wgpu.BufferUsageStorage)
	if err != nil {
		return nil, fmt.Errorf("b buf: %w", err)
	}
	defer bBuf.Destroy()

	cBuf, err := ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "MatMul_C",
		Size:  uint64(m * n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("c buf: %w", err)
	}
	defer cBuf.Destroy()

	x, y, stride := DispatchDims(uint32(m*n), kernel.WorkgroupSize, maxWorkgroupsPerDim)
	dims := []uint32{uint32(m), uint32(k), uint32(n), stride}
	dimsBuf, err := ctx.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "MatMul_Dims",
		Contents: wgpu.ToBytes(dims),
		Usage:    wgpu.BufferUsageUniform,
	})
	if err != nil {
		return nil, fmt.Errorf("dims buf: %w", err)
	}
	defer dimsBuf.Destroy()

	bindGroup, err := ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "MatMul_Bind",
		Layout: kernel.bindGroupLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: aBuf, Size: aBuf.GetSize()},
			{Binding: 1, Buffer: bBuf, Size: bBuf.GetSize()},
			{Binding: 2, Buffer: cBuf, Size: cBuf.GetSize()},
			{Binding: 3, Buffer: dimsBuf, Size: dimsBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bind group: %w", err)
	}
	defer bindGroup.Release()

	enc, err := ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(kernel.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(x, y, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	ctx.Queue.Submit(cmd)

	return ReadBuffer(cBuf, m*n)
}
